// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package xistsex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

var (
	keepClient *keepclient.KeepClient
	siteFS     arvados.CustomFileSystem
	siteFSMtx  sync.Mutex
)

// open returns a reader for the given file. If ARVADOS_API_HOST is
// set and the path refers to a file in a Keep collection, the file is
// read through the Arvados API instead of arv-mount.
func open(fnm string) (io.ReadCloser, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	collectionUUID := m[2]
	collectionPath := m[3]

	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		client := arvados.NewClientFromEnv()
		ac, err := arvadosclient.New(client)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		keepClient = keepclient.New(ac)
		keepClient.HTTPClient = arvados.DefaultSecureClient
		keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		siteFS = client.SiteFileSystem(keepClient)
	}
	log.Infof("reading %q from %s using Arvados client", collectionPath, collectionUUID)
	return siteFS.Open("by_id/" + collectionUUID + collectionPath)
}

// zopen is like open, but transparently decompresses the input if fnm
// ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: gzip: %w", fnm, err)
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

// decompressor runs an external command on an input file and exposes
// its stdout. Close waits for the command to exit and reports its
// failure, if any.
type decompressor struct {
	io.Reader
	cmd    *exec.Cmd
	input  io.Closer
	stderr *strings.Builder
}

// decompressArgs expands a -decompress-cmd template for fnm. A "{}"
// argument is replaced by the filename; if there is none, the caller
// must feed the file on stdin (viaStdin is true).
func decompressArgs(template, fnm string) (args []string, viaStdin bool, err error) {
	args = strings.Fields(template)
	if len(args) == 0 {
		return nil, false, errors.New("empty decompress command")
	}
	viaStdin = true
	for i, arg := range args {
		if strings.Contains(arg, "{}") {
			args[i] = strings.Replace(arg, "{}", fnm, -1)
			viaStdin = false
		}
	}
	return args, viaStdin, nil
}

// openDecompressed starts the decompress command for fnm and returns
// its output stream.
func openDecompressed(ctx context.Context, template, fnm string) (io.ReadCloser, error) {
	args, viaStdin, err := decompressArgs(template, fnm)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	d := &decompressor{cmd: cmd, stderr: &strings.Builder{}}
	cmd.Stderr = d.stderr
	if viaStdin {
		f, err := open(fnm)
		if err != nil {
			return nil, err
		}
		cmd.Stdin = f
		d.input = f
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.closeInput()
		return nil, err
	}
	d.Reader = bufio.NewReaderSize(stdout, 1<<20)
	log.Debugf("%s: running %q", fnm, args)
	if err := cmd.Start(); err != nil {
		d.closeInput()
		return nil, fmt.Errorf("%s: %w", args[0], err)
	}
	return d, nil
}

func (d *decompressor) closeInput() {
	if d.input != nil {
		d.input.Close()
	}
}

func (d *decompressor) Close() error {
	// Drain so the command isn't killed by SIGPIPE when the caller
	// stops reading early.
	io.Copy(io.Discard, d.Reader)
	err := d.cmd.Wait()
	d.closeInput()
	if err != nil {
		if msg := strings.TrimSpace(d.stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", d.cmd.Args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", d.cmd.Args[0], err)
	}
	return nil
}
