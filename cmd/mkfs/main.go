// Command mkfs builds a fresh filesystem image, grounded on
// jnwhiteh-minixfs/cmd/mkfs's flag-driven layout tool and on biscuit's own
// mkbootfs.py/mkuserfs.sh scripts translated into Go (the teacher's own
// image-building step is a shell script, not a Go program; the pack's
// jnwhiteh-minixfs repo shows the idiomatic Go shape for the same job).
package main

import (
	"flag"
	"log"

	"gophix/internal/bio"
	"gophix/internal/disk"
	"gophix/internal/fs"
)

func main() {
	path := flag.String("o", "fs.img", "output image path")
	nblocks := flag.Uint("blocks", 65536, "total blocks in the image")
	ninodes := flag.Uint("inodes", 200, "number of inode slots")
	nlog := flag.Uint("logblocks", 30, "number of log blocks, header included")
	flag.Parse()

	d, err := disk.OpenFile(*path, int(*nblocks), true)
	if err != nil {
		log.Fatalf("mkfs: opening %s: %v", *path, err)
	}
	defer d.Close()

	cache := bio.NewCache(d, 64)
	layout := fs.PlanLayout(uint32(*nblocks), uint32(*ninodes), uint32(*nlog))
	fs.BuildImage(cache, layout)

	log.Printf("mkfs: wrote %s: %d blocks, %d inodes, %d log blocks, %d data blocks",
		*path, layout.Sb.Size, layout.Sb.NInodes, layout.Sb.LogSize, layout.Sb.NData)
}
