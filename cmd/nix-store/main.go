// Command nix-store is a thin client over the daemon's Unix socket: it
// wires a handful of kong subcommands straight onto pkg/daemon.Client
// methods, one per core operation the daemon serves.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/nixcore/nixd/pkg/daemon"
	"github.com/nixcore/nixd/pkg/nar"
)

type cli struct {
	Socket string `help:"Daemon socket to connect to." default:"/nix/var/nix/daemon-socket/socket" env:"NIX_DAEMON_SOCKET_FILE"`

	Add          addCmd          `cmd:"" help:"Copy a file or directory into the store."`
	AddText      addTextCmd      `cmd:"" name:"add-text" help:"Add literal text to the store."`
	IsValidPath  isValidCmd      `cmd:"" name:"is-valid-path" help:"Check whether a store path is registered valid."`
	QueryInfo    queryInfoCmd    `cmd:"" name:"query-path-info" help:"Print a store path's registered metadata."`
	Realise      realiseCmd      `cmd:"" name:"realise" help:"Build or substitute the given store/derivation paths."`
	QueryMissing queryMissingCmd `cmd:"" name:"query-missing" help:"Show which of the given paths are not yet valid."`
}

func main() {
	_ = godotenv.Load(".env")

	var c cli

	ctx := kong.Parse(&c,
		kong.Name("nix-store"),
		kong.Description("Client for the content-addressed store daemon."),
	)

	client, err := daemon.Connect(c.Socket)
	if err != nil {
		ctx.FatalIfErrorf(fmt.Errorf("connecting to %s: %w", c.Socket, err))
	}
	defer client.Close()

	ctx.FatalIfErrorf(ctx.Run(client))
}

type addCmd struct {
	Path      string `arg:"" help:"File or directory to ingest." type:"path"`
	Recursive bool   `help:"Hash the whole file tree (default) rather than a single flat file." default:"true" negatable:""`
	HashAlgo  string `help:"Hash algorithm for fixed-output ingestion." default:"sha256"`
}

func (a *addCmd) Run(client *daemon.Client) error {
	info, err := os.Stat(a.Path)
	if err != nil {
		return err
	}

	method := "flat"
	if a.Recursive {
		method = "recursive"
	}

	// AddToStore's tunnel-mode upload declares its size up front, so the
	// dump is built in memory rather than streamed through a pipe.
	var buf bytes.Buffer
	if err := dumpNar(&buf, a.Path, info, a.Recursive); err != nil {
		return err
	}

	storePath, err := client.AddToStore(
		context.Background(), filepath.Base(a.Path), true, method, a.HashAlgo, uint64(buf.Len()), &buf,
	)
	if err != nil {
		return err
	}

	fmt.Println(storePath)

	return nil
}

// dumpNar serializes path into the NAR format described by nar.Writer.
// When recursive is false, path must name a regular file: flat
// ingestion has no notion of a directory tree.
func dumpNar(w io.Writer, path string, info os.FileInfo, recursive bool) error {
	nw := nar.NewWriter(w)

	if !recursive {
		if info.IsDir() {
			return fmt.Errorf("nix-store: flat add requires a regular file, got a directory: %s", path)
		}

		return dumpFile(nw, path, info)
	}

	if err := dumpEntry(nw, path, info); err != nil {
		return err
	}

	return nw.Close()
}

func dumpEntry(nw *nar.Writer, path string, info os.FileInfo) error {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}

		return nw.Link(target)
	case info.IsDir():
		return dumpDirectory(nw, path)
	default:
		return dumpFile(nw, path, info)
	}
}

func dumpFile(nw *nar.Writer, path string, info os.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	executable := info.Mode()&0o111 != 0

	if err := nw.File(executable, int(info.Size())); err != nil {
		return err
	}

	if _, err := io.Copy(nw, f); err != nil {
		return err
	}

	return nil
}

func dumpDirectory(nw *nar.Writer, path string) error {
	if err := nw.Directory(); err != nil {
		return err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	for _, name := range names {
		childPath := filepath.Join(path, name)

		info, err := os.Lstat(childPath)
		if err != nil {
			return err
		}

		if err := nw.Entry(name); err != nil {
			return err
		}

		if err := dumpEntry(nw, childPath, info); err != nil {
			return err
		}

		if err := nw.EndEntry(); err != nil {
			return err
		}
	}

	return nw.EndDirectory()
}

type addTextCmd struct {
	Name string   `arg:"" help:"Name suffix for the resulting store path."`
	Ref  []string `help:"Store paths this text references."`
}

func (a *addTextCmd) Run(client *daemon.Client) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}

	path, err := client.AddTextToStore(context.Background(), a.Name, data, a.Ref)
	if err != nil {
		return err
	}

	fmt.Println(path)

	return nil
}

type isValidCmd struct {
	Path string `arg:"" help:"Store path to check."`
}

func (i *isValidCmd) Run(client *daemon.Client) error {
	valid, err := client.IsValidPath(context.Background(), i.Path)
	if err != nil {
		return err
	}

	if !valid {
		return fmt.Errorf("%s is not a valid path", i.Path)
	}

	fmt.Println("valid")

	return nil
}

type queryInfoCmd struct {
	Path string `arg:"" help:"Store path to look up."`
}

func (q *queryInfoCmd) Run(client *daemon.Client) error {
	info, err := client.QueryPathInfo(context.Background(), q.Path)
	if err != nil {
		return err
	}

	if info == nil {
		return fmt.Errorf("%s is not a valid path", q.Path)
	}

	fmt.Printf("Path:          %s\n", info.StorePath)
	fmt.Printf("Deriver:       %s\n", info.Deriver)
	fmt.Printf("NarHash:       %s\n", info.NarHash)
	fmt.Printf("NarSize:       %d\n", info.NarSize)
	fmt.Printf("References:    %v\n", info.References)
	fmt.Printf("CA:            %s\n", info.CA)

	return nil
}

type realiseCmd struct {
	Paths  []string `arg:"" help:"Store or derivation paths to realise."`
	Repair bool     `help:"Force a rebuild even if the path is already valid."`
}

func (r *realiseCmd) Run(client *daemon.Client) error {
	mode := daemon.BuildModeNormal
	if r.Repair {
		mode = daemon.BuildModeRepair
	}

	return client.BuildPaths(context.Background(), r.Paths, mode)
}

type queryMissingCmd struct {
	Paths []string `arg:"" help:"Store or derivation paths to check."`
}

func (q *queryMissingCmd) Run(client *daemon.Client) error {
	missing, err := client.QueryMissing(context.Background(), q.Paths)
	if err != nil {
		return err
	}

	for _, p := range missing.WillBuild {
		fmt.Println("build:", p)
	}

	for _, p := range missing.WillSubstitute {
		fmt.Println("substitute:", p)
	}

	return nil
}
