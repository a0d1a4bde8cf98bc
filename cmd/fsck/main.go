// Command fsck checks an image for internal consistency: that the free
// bitmap matches the blocks actually reachable from allocated inodes, and
// that every inode's on-disk link count matches the number of directory
// entries that actually name it (a directory's own "." entry is not
// counted, matching the link counts fs.Mkdir and mkfs write). Grounded on
// jnwhiteh-minixfs/cmd/fsck/main.go's shape (flag-driven, single-pass,
// package-level var declarations one per line) though not on its Minix
// layout specifics, which don't apply to this filesystem.
package main

import "flag"
import "fmt"
import "log"
import "os"

import "gophix/internal/bio"
import "gophix/internal/disk"
import "gophix/internal/fs"

var filename = flag.String("file", "fs.img", "the disk image to check")
var verbose = flag.Bool("v", false, "list every inode as it is checked")

func main() {
	flag.Parse()

	fi, err := os.Stat(*filename)
	if err != nil {
		log.Fatalf("fsck: %v", err)
	}
	nblk := int(fi.Size() / bio.BlockSize)

	dv, err := disk.OpenFile(*filename, nblk, false)
	if err != nil {
		log.Fatalf("fsck: opening %s: %v", *filename, err)
	}
	defer dv.Close()

	cache := bio.NewCache(dv, 64)
	sb := readSB(cache)

	seen := newBitset(int(sb.Size))
	markMeta(seen, sb)

	linkWant := make(map[uint32]int)
	linkHave := make(map[uint32]int)

	errs := 0
	for inum := uint32(1); inum < sb.NInodes; inum++ {
		d, ok := readDinode(cache, sb, inum)
		if !ok || d.typ == 0 {
			continue
		}
		linkHave[inum] = int(d.nlink)
		if *verbose {
			fmt.Printf("inode %d: type=%d nlink=%d size=%d\n", inum, d.typ, d.nlink, d.size)
		}
		for _, bn := range fileBlocks(cache, sb, d) {
			if seen.test(int(bn)) {
				fmt.Printf("fsck: block %d referenced by more than one inode\n", bn)
				errs++
			}
			seen.set(int(bn))
		}
		if d.typ == fs.TDir {
			for _, ent := range fs.DirEntries(cache, sb, d.view) {
				if ent.Inum == 0 || ent.Name == "." {
					continue
				}
				linkWant[uint32(ent.Inum)]++
			}
		}
	}

	bitmapErrs := checkBitmap(cache, sb, seen)
	errs += bitmapErrs

	for inum, want := range linkWant {
		if linkHave[inum] != want {
			fmt.Printf("fsck: inode %d: nlink=%d but %d directory entries name it\n",
				inum, linkHave[inum], want)
			errs++
		}
	}

	if errs == 0 {
		fmt.Println("fsck: clean")
		return
	}
	fmt.Printf("fsck: %d problem(s) found\n", errs)
	os.Exit(1)
}
