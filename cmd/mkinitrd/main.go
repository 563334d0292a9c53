// Command mkinitrd builds, lists and extracts servos initrd images.
//
//	mkinitrd pack -manifest initrd.yaml
//	mkinitrd ls   initrd.img [path]
//	mkinitrd cat  initrd.img path
//
// The pack manifest is YAML:
//
//	requires: v0.1.0          # minimum tool version
//	output: initrd.img
//	dirs:
//	  - /dev
//	files:
//	  - path: /bin/init
//	    source: build/init    # bytes from a host file...
//	  - path: /etc/motd
//	    content: "welcome\n"  # ...or inline
package main

import (
	"fmt"
	"os"
)

// version is the tool version checked against the manifest's requires field.
const version = "v0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "pack":
		err = cmdPack(os.Args[2:])
	case "ls":
		err = cmdLs(os.Args[2:])
	case "cat":
		err = cmdCat(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkinitrd: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mkinitrd pack -manifest <yaml> | ls <img> [path] | cat <img> <path>")
	os.Exit(2)
}
