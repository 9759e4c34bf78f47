// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package utils

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Ioctl issues a raw ioctl(2) syscall against fd. request is the ioctl
// number, data is a pointer-sized argument (often unsafe.Pointer to a
// struct the kernel reads or fills).
func Ioctl(fd uintptr, request, data uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, data); errno != 0 {
		return os.NewSyscallError("ioctl", fmt.Errorf("%d", int(errno)))
	}

	return nil
}
