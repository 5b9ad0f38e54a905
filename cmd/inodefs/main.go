package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/urfave/cli/v2"

	"github.com/mit-pdos/inodefs/addr"
	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/config"
	"github.com/mit-pdos/inodefs/disk"
	"github.com/mit-pdos/inodefs/fs"
	"github.com/mit-pdos/inodefs/inode"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(w io.Writer) *cli.App {
	return &cli.App{
		Name:        "inodefs",
		Usage:       "manage files in an inodefs disk image",
		Description: "a command line interface to the sector cache and inode layer",
		Writer:      w,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML config file",
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "path to the disk image (overrides the config)",
			},
		},
		Commands: []*cli.Command{{
			Name:  "format",
			Usage: "create or resize the image and write an empty file system",
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:  "sectors",
					Usage: "image size in sectors (defaults to the config)",
				},
			},
			Action: withConfig(func(cfg *config.Config, ctx *cli.Context) error {
				if n := ctx.Uint64("sectors"); n != 0 {
					cfg.Sectors = n
				}
				if cfg.Sectors == 0 {
					return fmt.Errorf("missing required configuration: sectors / --sectors")
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				d, err := disk.NewFileDisk(cfg.Image, cfg.Sectors)
				if err != nil {
					return err
				}
				defer d.Close()
				if err := fs.Format(d, cfg); err != nil {
					return fmt.Errorf("formatting %s: %w", cfg.Image, err)
				}
				return d.Barrier()
			}),
		}, {
			Name:  "create",
			Usage: "create a zero-filled file and print its inode number",
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:  "length",
					Usage: "file length in bytes",
				},
			},
			Action: withFs(func(fsys *fs.Fs, ctx *cli.Context) error {
				snum, err := fsys.Create(ctx.Uint64("length"))
				if err != nil {
					return fmt.Errorf("creating file: %w", err)
				}
				_, err = fmt.Fprintf(ctx.App.Writer, "%d\n", snum)
				return err
			}),
		}, {
			Name:      "put",
			Usage:     "write a host file into an inode",
			ArgsUsage: "INODE FILE",
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:  "offset",
					Usage: "byte offset to write at",
				},
			},
			Action: withInode(func(ip *inode.Inode, ctx *cli.Context) error {
				if ctx.Args().Len() != 2 {
					return fmt.Errorf("usage: put INODE FILE")
				}
				data, err := os.ReadFile(ctx.Args().Get(1))
				if err != nil {
					return fmt.Errorf("reading host file: %w", err)
				}
				n, err := ip.WriteAt(data, ctx.Uint64("offset"))
				if err != nil {
					return fmt.Errorf("writing inode %d: %w", ip.Inumber(), err)
				}
				if n != len(data) {
					return fmt.Errorf("inode %d is write-protected", ip.Inumber())
				}
				return nil
			}),
		}, {
			Name:      "cat",
			Usage:     "print the contents of an inode",
			ArgsUsage: "INODE",
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:  "offset",
					Usage: "byte offset to read from",
				},
				&cli.Uint64Flag{
					Name:  "size",
					Usage: "bytes to read (defaults to the rest of the file)",
				},
			},
			Action: withInode(func(ip *inode.Inode, ctx *cli.Context) error {
				off := ctx.Uint64("offset")
				size := ctx.Uint64("size")
				if size == 0 && off < ip.Length() {
					size = ip.Length() - off
				}
				p := make([]byte, size)
				n, err := ip.ReadAt(p, off)
				if err != nil {
					return fmt.Errorf("reading inode %d: %w", ip.Inumber(), err)
				}
				_, err = ctx.App.Writer.Write(p[:n])
				return err
			}),
		}, {
			Name:      "stat",
			Usage:     "print the length and sector usage of an inode",
			ArgsUsage: "INODE",
			Action: withInode(func(ip *inode.Inode, ctx *cli.Context) error {
				n := addr.NumSectors(ip.Length())
				_, err := fmt.Fprintf(ctx.App.Writer,
					"inode: %d\nlength: %d\nsectors: %d\nindex blocks: %d\n",
					ip.Inumber(), ip.Length(), n, addr.IndexBlocks(n))
				return err
			}),
		}, {
			Name:      "rm",
			Aliases:   []string{"remove", "delete"},
			Usage:     "remove an inode and free its sectors",
			ArgsUsage: "INODE",
			Action: withFs(func(fsys *fs.Fs, ctx *cli.Context) error {
				ip, err := openArg(fsys, ctx)
				if err != nil {
					return err
				}
				fsys.Remove(ip)
				return fsys.Close(ip)
			}),
		}, {
			Name:  "df",
			Usage: "print free and total sectors",
			Action: withFs(func(fsys *fs.Fs, ctx *cli.Context) error {
				_, err := fmt.Fprintf(ctx.App.Writer, "free: %d\ntotal: %d\n",
					fsys.NumFree(), fsys.NumSectors())
				return err
			}),
		}, {
			Name:      "snapshot",
			Usage:     "write a zstd-compressed copy of the image",
			ArgsUsage: "OUT",
			Action: withConfig(func(cfg *config.Config, ctx *cli.Context) error {
				if ctx.Args().Len() != 1 {
					return fmt.Errorf("usage: snapshot OUT")
				}
				return snapshot(cfg.Image, ctx.Args().First())
			}),
		}, {
			Name:      "restore",
			Usage:     "replace the image with a decompressed snapshot",
			ArgsUsage: "IN",
			Action: withConfig(func(cfg *config.Config, ctx *cli.Context) error {
				if ctx.Args().Len() != 1 {
					return fmt.Errorf("usage: restore IN")
				}
				return restore(ctx.Args().First(), cfg.Image)
			}),
		}},
	}
}

func withConfig(f func(*config.Config, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		cfg, err := config.Load(ctx.String("config"))
		if err != nil {
			return err
		}
		if image := ctx.String("image"); image != "" {
			cfg.Image = image
		}
		if err := cfg.RequireImage(); err != nil {
			return err
		}
		cfg.Apply()
		return f(cfg, ctx)
	}
}

func withFs(f func(*fs.Fs, *cli.Context) error) cli.ActionFunc {
	return withConfig(func(cfg *config.Config, ctx *cli.Context) error {
		d, err := disk.NewFileDisk(cfg.Image, 0)
		if err != nil {
			return err
		}
		defer d.Close()
		fsys, err := fs.Mount(d, cfg)
		if err != nil {
			return fmt.Errorf("mounting %s: %w", cfg.Image, err)
		}
		err = f(fsys, ctx)
		if uerr := fsys.Unmount(); err == nil {
			err = uerr
		}
		return err
	})
}

func openArg(fsys *fs.Fs, ctx *cli.Context) (*inode.Inode, error) {
	if ctx.Args().Len() < 1 {
		return nil, fmt.Errorf("missing INODE argument")
	}
	n, err := strconv.ParseUint(ctx.Args().First(), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing inode number: %w", err)
	}
	return fsys.Open(common.Snum(n))
}

func withInode(f func(*inode.Inode, *cli.Context) error) cli.ActionFunc {
	return withFs(func(fsys *fs.Fs, ctx *cli.Context) error {
		ip, err := openArg(fsys, ctx)
		if err != nil {
			return err
		}
		err = f(ip, ctx)
		if cerr := fsys.Close(ip); err == nil {
			err = cerr
		}
		return err
	})
}

func snapshot(image, out string) error {
	in, err := os.Open(image)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer in.Close()
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	defer f.Close()
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating encoder: %w", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return fmt.Errorf("compressing image: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compressing image: %w", err)
	}
	return f.Close()
}

func restore(in, image string) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}
	defer dec.Close()
	out, err := os.Create(image)
	if err != nil {
		return fmt.Errorf("creating image: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, dec); err != nil {
		return fmt.Errorf("decompressing snapshot: %w", err)
	}
	return out.Close()
}
