// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// compactfs inspects and converts cluster files without mounting a
// filesystem: dumping footers and cluster indexes, verifying that
// every stored cluster decompresses cleanly, and moving plain files
// in and out of a compressed lower directory.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/compactfs/lib/clusterfile"
	"github.com/bureau-foundation/compactfs/lib/compress"
	"github.com/bureau-foundation/compactfs/lib/lowerstore"
	"github.com/bureau-foundation/compactfs/lib/pagepool"
	"github.com/bureau-foundation/compactfs/lib/version"
	"github.com/bureau-foundation/compactfs/lib/volume"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch subcommand := os.Args[1]; subcommand {
	case "stat":
		return runStat(os.Args[2:])
	case "verify":
		return runVerify(os.Args[2:])
	case "pack":
		return runPack(os.Args[2:])
	case "unpack":
		return runUnpack(os.Args[2:])
	case "list":
		return runList(os.Args[2:])
	case "version":
		fmt.Printf("compactfs %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: compactfs <subcommand> [flags]

Subcommands:
  stat      Dump the footer and cluster index of a lower file
  verify    Decompress every cluster and report the content digest
  pack      Write a plain file into a compressed lower directory
  unpack    Extract the logical content of a lower file
  list      List the logical files in a lower directory
  version   Print version information

Run 'compactfs <subcommand> --help' for subcommand flags.
`)
}

// openLower opens an existing lower file, refusing to create one as a
// side effect.
func openLower(lowerDir, name string) (lowerstore.Handle, error) {
	store, err := lowerstore.NewDirStore(lowerDir)
	if err != nil {
		return nil, err
	}
	exists, err := store.Exists(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return store.Open(name)
}

func runStat(args []string) error {
	flagSet := pflag.NewFlagSet("compactfs stat", pflag.ContinueOnError)
	lowerDir := flagSet.String("lower-dir", ".", "directory holding the lower files")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: compactfs stat [flags] <name>")
	}
	name := flagSet.Arg(0)

	handle, err := openLower(*lowerDir, name)
	if err != nil {
		return err
	}
	defer handle.Close()

	lowerSize, err := handle.Size()
	if err != nil {
		return err
	}
	if lowerSize == 0 {
		fmt.Printf("name:          %s\n", name)
		fmt.Printf("logical size:  0 (empty, no footer)\n")
		return nil
	}
	footer, err := clusterfile.ReadFooter(handle)
	if err != nil {
		return err
	}

	fmt.Printf("name:          %s\n", name)
	fmt.Printf("logical size:  %d\n", footer.LogicalSize)
	fmt.Printf("lower size:    %d\n", lowerSize)
	if footer.LogicalSize > 0 {
		fmt.Printf("ratio:         %.1f%%\n", float64(lowerSize)*100/float64(footer.LogicalSize))
	}
	fmt.Printf("cluster size:  %d\n", footer.ClusterSize)
	fmt.Printf("compression:   %s\n", footer.Compression)
	fmt.Printf("metadata size: %d\n", footer.MetaSize)

	if footer.MetaSize == clusterfile.FooterSize {
		fmt.Printf("layout:        whole-file raw (no cluster index)\n")
		return nil
	}

	records, err := clusterfile.ReadIndex(handle, footer)
	if err != nil {
		return err
	}
	fmt.Printf("clusters:      %d\n", len(records))
	fmt.Printf("\n%8s %12s %10s %s\n", "cluster", "offset", "stored", "form")
	for idx, record := range records {
		form := "compressed"
		if record.Size == footer.ClusterSize || isTailRemainder(footer, uint32(idx), record.Size) {
			form = "raw"
		}
		fmt.Printf("%8d %12d %10d %s\n", idx, record.Offset, record.Size, form)
	}
	return nil
}

// isTailRemainder reports whether a stored size equals the logical
// remainder of the final cluster, which marks the tail as raw.
func isTailRemainder(footer clusterfile.Footer, idx, storedSize uint32) bool {
	if idx != footer.Records()-1 {
		return false
	}
	remainder := footer.LogicalSize % uint64(footer.ClusterSize)
	return remainder != 0 && uint64(storedSize) == remainder
}

// openReadOnly builds a clusterfile over an existing lower file using
// the geometry recorded in its footer, so inspection does not depend
// on the volume manifest.
func openReadOnly(lowerDir, name string) (*clusterfile.File, *pagepool.Pool, error) {
	handle, err := openLower(lowerDir, name)
	if err != nil {
		return nil, nil, err
	}
	footer := clusterfile.Footer{ClusterSize: clusterfile.DefaultClusterSize}
	if lowerSize, err := handle.Size(); err != nil {
		handle.Close()
		return nil, nil, err
	} else if lowerSize > 0 {
		footer, err = clusterfile.ReadFooter(handle)
		if err != nil {
			handle.Close()
			return nil, nil, err
		}
	}

	pool, err := pagepool.New(2*int(footer.ClusterSize), 4)
	if err != nil {
		handle.Close()
		return nil, nil, err
	}
	file, err := clusterfile.Open(name, handle, clusterfile.Options{
		ClusterSize: footer.ClusterSize,
		Algorithm:   footer.Compression,
		Threshold:   clusterfile.DefaultThreshold,
		Compress:    true,
		Pool:        pool,
	})
	if err != nil {
		handle.Close()
		pool.Close()
		return nil, nil, err
	}
	return file, pool, nil
}

func runVerify(args []string) error {
	flagSet := pflag.NewFlagSet("compactfs verify", pflag.ContinueOnError)
	lowerDir := flagSet.String("lower-dir", ".", "directory holding the lower files")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: compactfs verify [flags] <name>")
	}
	name := flagSet.Arg(0)

	file, pool, err := openReadOnly(*lowerDir, name)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer file.Close()

	hasher := blake3.New()
	var logical uint64
	var compressed, raw int
	for idx := uint32(0); idx < file.Clusters(); idx++ {
		content, wasCompressed, err := file.ReadCluster(idx)
		if err != nil {
			return fmt.Errorf("cluster %d: %w", idx, err)
		}
		hasher.Write(content)
		logical += uint64(len(content))
		if wasCompressed {
			compressed++
		} else {
			raw++
		}
	}
	if logical != uint64(file.Size()) {
		return fmt.Errorf("%s: clusters hold %d bytes, footer records %d",
			name, logical, file.Size())
	}

	fmt.Printf("%s: ok, %d clusters (%d compressed, %d raw), %d bytes, blake3 %s\n",
		name, file.Clusters(), compressed, raw, logical,
		hex.EncodeToString(hasher.Sum(nil)))
	return nil
}

func runPack(args []string) error {
	flagSet := pflag.NewFlagSet("compactfs pack", pflag.ContinueOnError)
	lowerDir := flagSet.String("lower-dir", ".", "directory holding the lower files")
	clusterSize := flagSet.Uint32("cluster-size", clusterfile.DefaultClusterSize, "cluster size for a fresh volume")
	threshold := flagSet.Uint32("threshold", clusterfile.DefaultThreshold, "compression admission threshold in percent")
	algorithmName := flagSet.String("algorithm", compress.LZ4.String(), "compression algorithm: lz4, zstd, deflate, zlib")
	noCompress := flagSet.Bool("nocompress", false, "store every cluster raw")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 2 {
		return fmt.Errorf("usage: compactfs pack [flags] <source> <name>")
	}
	source, name := flagSet.Arg(0), flagSet.Arg(1)

	algorithm, err := compress.ParseAlgorithm(*algorithmName)
	if err != nil {
		return err
	}
	opts := volume.DefaultOptions()
	opts.ClusterSize = *clusterSize
	opts.Threshold = *threshold
	opts.Algorithm = algorithm
	opts.Compress = !*noCompress

	store, err := lowerstore.NewDirStore(*lowerDir)
	if err != nil {
		return err
	}
	vol, err := volume.Open(store, opts)
	if err != nil {
		return err
	}
	defer vol.Close()

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	file, err := vol.OpenFile(name)
	if err != nil {
		return err
	}
	defer file.Close()
	if file.Size() != 0 {
		return fmt.Errorf("%s already holds %d bytes; pack refuses to append", name, file.Size())
	}

	buf := make([]byte, opts.ClusterSize)
	var written int64
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n], written); werr != nil {
				return fmt.Errorf("writing %s at %d: %w", name, written, werr)
			}
			written += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", source, err)
		}
	}
	if err := file.Flush(); err != nil {
		return err
	}

	fmt.Printf("packed %s into %s: %d bytes in %d clusters\n",
		source, name, written, file.Clusters())
	return nil
}

func runUnpack(args []string) error {
	flagSet := pflag.NewFlagSet("compactfs unpack", pflag.ContinueOnError)
	lowerDir := flagSet.String("lower-dir", ".", "directory holding the lower files")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 2 {
		return fmt.Errorf("usage: compactfs unpack [flags] <name> <dest>")
	}
	name, dest := flagSet.Arg(0), flagSet.Arg(1)

	file, pool, err := openReadOnly(*lowerDir, name)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer file.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	var written int64
	for idx := uint32(0); idx < file.Clusters(); idx++ {
		content, _, err := file.ReadCluster(idx)
		if err != nil {
			out.Close()
			os.Remove(dest)
			return fmt.Errorf("cluster %d of %s: %w", idx, name, err)
		}
		if _, err := out.Write(content); err != nil {
			out.Close()
			os.Remove(dest)
			return fmt.Errorf("writing %s: %w", dest, err)
		}
		written += int64(len(content))
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("unpacked %s to %s: %d bytes\n", name, dest, written)
	return nil
}

func runList(args []string) error {
	flagSet := pflag.NewFlagSet("compactfs list", pflag.ContinueOnError)
	lowerDir := flagSet.String("lower-dir", ".", "directory holding the lower files")
	long := flagSet.BoolP("long", "l", false, "include sizes and compression ratios")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 0 {
		return fmt.Errorf("usage: compactfs list [flags]")
	}

	store, err := lowerstore.NewDirStore(*lowerDir)
	if err != nil {
		return err
	}
	names, err := store.List()
	if err != nil {
		return err
	}

	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !*long {
			fmt.Println(name)
			continue
		}
		handle, err := store.Open(name)
		if err != nil {
			return err
		}
		lowerSize, err := handle.Size()
		if err != nil {
			handle.Close()
			return err
		}
		if lowerSize == 0 {
			handle.Close()
			fmt.Printf("%12d %12d %6s  %s\n", 0, 0, "-", name)
			continue
		}
		footer, err := clusterfile.ReadFooter(handle)
		handle.Close()
		if err != nil {
			if errors.Is(err, clusterfile.ErrCorruptData) {
				fmt.Printf("%12s %12s %6s  %s (not a cluster file)\n", "-", "-", "-", name)
				continue
			}
			return err
		}
		ratio := "-"
		if footer.LogicalSize > 0 {
			ratio = fmt.Sprintf("%.1f%%", float64(lowerSize)*100/float64(footer.LogicalSize))
		}
		fmt.Printf("%12d %12d %6s  %s\n", footer.LogicalSize, lowerSize, ratio, name)
	}
	return nil
}
