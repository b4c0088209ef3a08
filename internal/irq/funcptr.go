package irq

import "reflect"

// funcPointer extracts the code pointer behind fn, used only to compare
// two CallbackFunc values for the "duplicate (vector, fn)" diagnostic. A
// nil fn maps to 0.
func funcPointer(fn CallbackFunc) uintptr {
	if fn == nil {
		return 0
	}
	return reflect.ValueOf(fn).Pointer()
}
