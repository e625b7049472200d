package selector

import "reflect"

// funcPtr extracts a comparable identity for a func value, used only to
// support RemoveBeforeSelectHook for named functions/method values.
func funcPtr(f func()) uintptr {
	if f == nil {
		return 0
	}
	return reflect.ValueOf(f).Pointer()
}
