package serial

import (
	ioctl "github.com/daedaluz/goioctl"
	"unsafe"
)

// ioctl request numbers for the termios get/set, break and flow-control
// calls the transport actually exercises. The teacher repo carries a much
// larger set (RS485, modem lines, PTY allocation, legacy async flags); this
// loader never drives any of that hardware, so only the subset below
// survived the adaptation.
var (
	tcgets = uintptr(0x5401)
	tcsets = uintptr(0x5402)

	tcgets2 = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2 = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))

	tcsbrk = uintptr(0x5409)
	tcflsh = uintptr(0x540B)
	tcxonc = uintptr(0x540A)
)
