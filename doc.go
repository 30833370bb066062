// Package cpio reads and writes Linux kernel initramfs images: one or more
// concatenated "newc"/"crc" cpio archives, any trailing one of which may be
// compressed by an external compressor understood by the kernel.
//
// This implementation follows the [documented kernel buffer format]. See also
// [early userspace support] for more information about how the kernel uses
// initramfs during the boot process.
//
// See the cmd/3cpio command for the command-line tool built on this package.
//
// [documented kernel buffer format]: https://www.kernel.org/doc/html/latest/driver-api/early-userspace/buffer-format.html
// [early userspace support]: https://www.kernel.org/doc/html/latest/driver-api/early-userspace/early_userspace_support.html
package cpio
