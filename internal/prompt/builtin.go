package prompt

// Template names.
const (
	GenerateTemplate   = "generate.md"
	RetryEmptyTemplate = "retry-empty.md"
	RetryErrorTemplate = "retry-error.md"

	PackageTemplate  = "files/package.json"
	TestTemplate     = "files/test.ts"
	TSConfigTemplate = "files/tsconfig.json"
	SchemaTemplate   = "files/schema.ts"
	ScriptTemplate   = "files/script.ts"
)

var builtinTemplates = map[string]string{
	GenerateTemplate:   generateTemplate,
	RetryEmptyTemplate: retryEmptyTemplate,
	RetryErrorTemplate: retryErrorTemplate,
	PackageTemplate:    packageTemplate,
	TestTemplate:       testTemplate,
	TSConfigTemplate:   tsconfigTemplate,
	SchemaTemplate:     schemaTemplate,
	ScriptTemplate:     scriptTemplate,
}

const generateTemplate = `# Task: write script.ts

You are given the network traffic a web page produced while loading, saved
as logs/log-<n>.json, together with schema.ts (input and output JSON Schemas),
test.ts (the test harness) and script.ts (a stub).

Rewrite script.ts so that main(input) fetches the data the user asks for and
returns it in the shape of outputSchema. Only script.ts may change. The logs,
package.json, schema.ts, test.ts and tsconfig.json are fixed.

## Step 1: find the data
- Read every log file before writing code. Note the URL, method, status and
  the shape of the body of each one.
- Pick the request whose body actually contains the values the user wants.
  Prefer JSON APIs over HTML documents.
- Reproduce that request in the script: same URL pattern, method, query
  parameters and any headers the response depended on.

## Step 2: map the structure
- Payloads are often wrapped in an envelope such as
  {"kind": "...", "data": {...}} or {"type": "...", "data": [...]}.
  Unwrap every level and write down the full path to the records.
- Decide for each related value whether it is a sibling of the record
  (same level, joined by an id) or a child (nested inside the record).
  Do not treat siblings as children or the other way round.
- When records come from several lists, join them explicitly by their keys.

## Step 3: rules
- Never invent endpoints, parameters or fields. Everything the script reads
  must appear in the logs.
- Before concluding that a field is missing, log the keys found at that level
  (console.log(Object.keys(obj))) and check again.
- Map input fields from the input schema onto the request; do not hard-code
  values the caller supplies.
- Return an empty result only when the source really has no data for the
  given input.
- Keep the script self-contained: use fetch and the standard library only.

## Request
{{user_prompt}}
`

const retryEmptyTemplate = `The test ran but script.ts returned an EMPTY result.

The data exists. It is in the captured logs. An empty result means the script
is reading the wrong path, the wrong request, or filtering everything out.

Go back to the logs and trace the actual structure:
1. Find the log file that contains the values the user asked for.
2. Follow the exact path from the top of that body down to the records,
   unwrapping every {"kind"/"type", "data"} envelope on the way.
3. Log the keys at each level in the script before assuming anything is
   absent.
4. Fix script.ts so it returns the records.

Test output:
` + "```" + `
{{test_output}}
` + "```" + `
`

const retryErrorTemplate = `The test failed. Fix script.ts so the test passes.

Read the error below, find its cause in script.ts and correct it. Do not
change the logs, schema.ts, test.ts, package.json or tsconfig.json. Do not
invent endpoints or fields that are not in the logs.

Test output:
` + "```" + `
{{test_output}}
` + "```" + `
`

const packageTemplate = `{
  "name": "scrapi-script",
  "version": "1.0.0",
  "private": true,
  "type": "module",
  "scripts": {
    "test": "tsx test.ts"
  },
  "dependencies": {
    "ajv": "^8.17.1"
  },
  "devDependencies": {
    "@types/node": "^22.10.0",
    "tsx": "^4.19.2",
    "typescript": "^5.7.2"
  }
}
`

const testTemplate = `import Ajv from "ajv";
import { main } from "./script";
import { outputSchema } from "./schema";

const testArgs = {{test_args}};

async function run(): Promise<void> {
  let result: unknown;
  try {
    result = await main(testArgs);
  } catch (err) {
    console.error("Test failed: script threw", err);
    process.exit(1);
  }

  const ajv = new Ajv({ allErrors: true, strict: false });
  const validate = ajv.compile(outputSchema);
  if (!validate(result)) {
    console.error("Test failed: output does not match schema");
    console.error(JSON.stringify(validate.errors, null, 2));
    console.log("Result: " + JSON.stringify(result));
    process.exit(1);
  }

  if (Array.isArray(result) && result.length === 0) {
    console.log("Result: []");
    console.error("Test failed: script returned empty result");
    process.exit(1);
  }

  console.log("Test passed!");
  console.log("Result: " + JSON.stringify(result));
}

run();
`

const tsconfigTemplate = `{
  "compilerOptions": {
    "target": "ES2022",
    "module": "ESNext",
    "moduleResolution": "Bundler",
    "strict": true,
    "esModuleInterop": true,
    "skipLibCheck": true,
    "resolveJsonModule": true,
    "noEmit": true
  },
  "include": ["*.ts"]
}
`

const schemaTemplate = `export const inputSchema = {{input_schema}} as const;

export const outputSchema = {{output_schema}} as const;

export type Input = Record<string, any>;
export type Output = any;
`

const scriptTemplate = `import type { Input, Output } from "./schema";

export async function main(input: Input): Promise<Output> {
  return [];
}
`
