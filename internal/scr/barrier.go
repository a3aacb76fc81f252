//go:build linux && cgo

package scr

/*
#include <stdint.h>

// x86-64 store fence to ensure all prior stores are globally visible
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full memory fence to ensure all prior memory operations are complete
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// sfence issues a store fence (x86 SFENCE instruction), required before
// publishing a new SQ tail so the kernel observes the filled SQE bytes
// before it observes the updated tail (spec.md §4.1 step 3).
func sfence() {
	C.sfence_impl()
}

// mfence issues a full memory fence, used around CQ head publication so a
// subsequent read of cq.tail by this goroutine observes the kernel's CQE
// writes (spec.md §4.1 "completion contract").
func mfence() {
	C.mfence_impl()
}
