package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Options control a single capture.
type Options struct {
	// WaitTime is how long the page is held open after navigation.
	WaitTime time.Duration
	Enhancer BodyEnhancer
}

// Browser is a DevTools connection to a remote browser.
type Browser struct {
	rod *rod.Browser
}

// Connect opens a DevTools connection to controlURL, usually the connect URL
// of a remote browser session.
func Connect(ctx context.Context, controlURL string) (*Browser, error) {
	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	return &Browser{rod: b}, nil
}

// Close releases the browser connection. Safe to call more than once.
func (b *Browser) Close() error {
	if b == nil || b.rod == nil {
		return nil
	}
	err := b.rod.Close()
	b.rod = nil
	return err
}

// Capture opens a page on targetURL, records qualifying responses for
// opts.WaitTime and returns them in arrival order.
func (b *Browser) Capture(ctx context.Context, targetURL string, opts Options) ([]LogEntry, error) {
	if b == nil || b.rod == nil {
		return nil, fmt.Errorf("browser is closed")
	}

	page, err := b.rod.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close() //nolint:errcheck

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable network events: %w", err)
	}

	// Every request is intercepted and continued untouched.
	router := page.HijackRequests()
	if err := router.Add("*", "", func(h *rod.Hijack) {
		h.ContinueRequest(&proto.FetchContinueRequest{})
	}); err != nil {
		return nil, fmt.Errorf("intercept requests: %w", err)
	}
	go router.Run()
	defer router.Stop() //nolint:errcheck

	rec := NewRecorder(opts.Enhancer)
	listenCtx, stopListening := context.WithCancel(ctx)
	// Subscribe before navigating so the first responses are not missed.
	wait := listen(page.Context(listenCtx), rec)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wait()
	}()

	if err := page.Navigate(targetURL); err != nil {
		stopListening()
		wg.Wait()
		return nil, fmt.Errorf("navigate to %s: %w", targetURL, err)
	}

	timer := time.NewTimer(opts.WaitTime)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		stopListening()
		wg.Wait()
		return nil, ctx.Err()
	}

	stopListening()
	wg.Wait()
	return rec.Entries(), nil
}

// listen subscribes to page's network events and returns the function that
// feeds them into rec until page's context is done. Bodies are fetched once
// loading finishes so they are complete.
func listen(page *rod.Page, rec *Recorder) func() {
	methods := map[proto.NetworkRequestID]string{}
	pending := map[proto.NetworkRequestID]Response{}

	return page.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			methods[e.RequestID] = e.Request.Method
		},
		func(e *proto.NetworkResponseReceived) {
			resp := Response{
				RequestID:    string(e.RequestID),
				URL:          e.Response.URL,
				Method:       methods[e.RequestID],
				ResourceType: string(e.Type),
				ContentType:  e.Response.MIMEType,
				Status:       e.Response.Status,
				Headers:      flattenHeaders(e.Response.Headers),
			}
			if resp.Method == "" {
				resp.Method = "GET"
			}
			if rec.Wants(resp) {
				pending[e.RequestID] = resp
			}
		},
		func(e *proto.NetworkLoadingFinished) {
			resp, ok := pending[e.RequestID]
			if !ok {
				return
			}
			delete(pending, e.RequestID)
			delete(methods, e.RequestID)
			rec.Observe(resp, func() ([]byte, error) {
				return responseBody(page, e.RequestID)
			})
		},
		func(e *proto.NetworkLoadingFailed) {
			delete(pending, e.RequestID)
			delete(methods, e.RequestID)
		},
	)
}

func responseBody(page *rod.Page, id proto.NetworkRequestID) ([]byte, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		return nil, err
	}
	if res.Base64Encoded {
		return base64.StdEncoding.DecodeString(res.Body)
	}
	return []byte(res.Body), nil
}

func flattenHeaders(h proto.NetworkHeaders) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.String()
	}
	return out
}
