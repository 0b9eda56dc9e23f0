package materialize

import (
	"fmt"

	"al.essio.dev/pkg/shellescape"
)

// HookBody is the sequential runner appended to local and workstation scripts.
// Fragments <script>_0, <script>_1, ... run in order with their output in
// <fragment>.out and <fragment>.err. A fragment counts as failed when it exits
// non-zero or leaves anything in its .err file.
func HookBody(scriptName string) string {
	return fmt.Sprintf(`script_name=%s
status=0

i=0
while [ -f "${script_name}_${i}" ]; do
    fragment="${script_name}_${i}"
    bash "$fragment" > "$fragment.out" 2> "$fragment.err"
    rc=$?
    cat "$fragment.out"
    if [ "$rc" -ne 0 ]; then
        echo "$fragment exited with code $rc" >&2
        status=1
    fi
    i=$((i + 1))
done

i=0
while [ -f "${script_name}_${i}" ]; do
    fragment="${script_name}_${i}"
    if [ -s "$fragment.err" ]; then
        echo "Error in $fragment:" >&2
        cat "$fragment.err" >&2
        status=1
    fi
    i=$((i + 1))
done

exit $status
`, shellescape.Quote(scriptName))
}
