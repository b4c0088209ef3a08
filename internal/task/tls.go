package task

import "encoding/binary"

// BuildTLSImage lays out a thread's TLS image: the initial-image bytes
// copied in, zero-filled BSS out to size, and a trailing one-word
// self-pointer slot right after the image whose value is the slot's own
// virtual address —
// the x86-64 TLS convention original_source/Kernel/tasking/thread.cpp relies
// on (`*pTLSPointer = this->TLS.pBase + this->TLS.Size`, then FSBase/GSBase
// are programmed to point at that slot so `fs:0`/`gs:0` dereferences to
// itself, the ABI every compiler's thread-local-variable codegen assumes).
//
// vBase is the virtual address the image will be mapped at; the returned
// selfPtr is vBase+size, the value FSBase/GSBase must be programmed to.
func BuildTLSImage(vBase uint64, initialImage []byte, size uint64) (image []byte, selfPtr uint64) {
	if size < uint64(len(initialImage)) {
		size = uint64(len(initialImage))
	}
	buf := make([]byte, size+8)
	copy(buf, initialImage)
	selfPtr = vBase + size
	binary.LittleEndian.PutUint64(buf[size:size+8], selfPtr)
	return buf, selfPtr
}
