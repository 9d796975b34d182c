package executor

import (
	"encoding/json"
	"fmt"
)

// buildJSHarness wraps a student submission in a generated node script that
// evaluates it inside a bare vm context: 2 s timeout, no host bindings, the
// console captured into stdout and the trailing expression echoed as
// "=> <value>". The source is embedded as a JSON string literal so no
// student text is ever spliced into the harness as code.
func buildJSHarness(source string) string {
	quoted, _ := json.Marshal(source)
	return fmt.Sprintf(jsHarness, quoted)
}

// The console recorder and the value formatter are created inside the vm
// context by a bootstrap script, never injected from the host realm.
// Sandboxed code walking console.log.constructor only ever reaches the
// context's own Function, which resolves process, require and friends to
// the masked undefined globals. Values crossing back to the host are
// primitive strings.
const jsHarness = `'use strict';
const vm = require('node:vm');

const source = %s;

const sandbox = Object.create(null);
for (const name of [
	'process', 'require', 'module', 'exports', 'Buffer', 'fetch',
	'setTimeout', 'setInterval', 'setImmediate',
	'clearTimeout', 'clearInterval', 'clearImmediate', 'queueMicrotask',
]) {
	sandbox[name] = undefined;
}

const context = vm.createContext(sandbox);

const bootstrap = [
	"'use strict';",
	'(() => {',
	'  const fmt = (v) => {',
	"    if (typeof v === 'string') return v;",
	'    try {',
	'      const j = JSON.stringify(v);',
	'      if (j !== undefined) return j;',
	'    } catch (_) {}',
	'    return String(v);',
	'  };',
	"  const lines = [];",
	"  const record = (...args) => { lines.push(args.map(fmt).join(' ')); };",
	'  globalThis.console = {',
	'    log: record, info: record, warn: record, error: record, debug: record,',
	'  };',
	'  return { lines, fmt };',
	'})();',
].join('\n');
const captured = vm.runInContext(bootstrap, context);

const rendered = () => {
	let out = '';
	for (let i = 0; i < captured.lines.length; i++) {
		out += (i > 0 ? '\n' : '') + String(captured.lines[i]);
	}
	return out;
};

let value;
try {
	value = vm.runInContext(source, context, { timeout: 2000, displayErrors: true });
} catch (err) {
	const logs = rendered();
	if (logs.length > 0) {
		process.stdout.write(logs + '\n');
	}
	process.stderr.write(err && err.message !== undefined ? String(err.message) : String(err));
	process.exit(1);
}

let out = rendered();
if (value !== undefined) {
	out += (out.length > 0 ? '\n' : '') + '=> ' + String(captured.fmt(value));
}
if (out.length > 0) {
	process.stdout.write(out + '\n');
}
`
