package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/servos-os/servos/internal/abi"
	"github.com/servos-os/servos/internal/fs/initrd"
	"github.com/servos-os/servos/internal/vfs"
)

func openImage(path string) (*initrd.FS, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fs, err := initrd.New(img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fs, nil
}

func cmdLs(args []string) error {
	if len(args) < 1 {
		return errors.New("ls: need an image")
	}
	fs, err := openImage(args[0])
	if err != nil {
		return err
	}

	dir := vfs.Path("/")
	if len(args) > 1 {
		dir = vfs.Path(args[1])
	}
	vn, err := fs.Open(dir, 0, nil)
	if err != nil {
		return err
	}
	if !vn.Directory {
		stat, err := fs.Stat(vn)
		if err != nil {
			return err
		}
		fmt.Printf("%8d  %s\n", stat.Size, dir)
		return nil
	}

	for i := uint64(0); ; i++ {
		ent, err := fs.Readdir(vn, i)
		if err != nil {
			return err
		}
		if ent == nil {
			return nil
		}
		kind := ' '
		if ent.Stat.Directory {
			kind = '/'
		}
		fmt.Printf("%8d  %s%c\n", ent.Stat.Size, ent.NameBytes(), kind)
	}
}

func cmdCat(args []string) error {
	if len(args) < 2 {
		return errors.New("cat: need an image and a path")
	}
	fs, err := openImage(args[0])
	if err != nil {
		return err
	}

	vn, err := fs.Open(vfs.Path(args[1]), abi.OpenFlags(0), nil)
	if err != nil {
		return err
	}
	stat, err := fs.Stat(vn)
	if err != nil {
		return err
	}

	buf := make([]byte, stat.Size)
	if stat.Size > 0 {
		if _, err := fs.Read(vn, 0, buf); err != nil {
			return err
		}
	}
	_, err = os.Stdout.Write(buf)
	return err
}
