// Command chentry patches the entry point recorded in a linked kernel
// image's ELF header, the last step of this kernel's own build before
// an image is handed to the boot loader. The validation and rewrite
// logic lives in elf.PatchEntry; this file is the thin CLI wrapper
// around it.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"elf"
)

func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr>\n", me)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}

	addr, err := strconv.ParseUint(os.Args[2], 0, 64)
	if err != nil {
		log.Fatalf("invalid address %q: %v", os.Args[2], err)
	}

	f, err := os.OpenFile(os.Args[1], os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	if err := elf.PatchEntry(f, addr); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("using address 0x%x\n", addr)
}
