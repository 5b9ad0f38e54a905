package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	t     *testing.T
	dir   string
	image string
}

func mkCliEnv(t *testing.T) *cliEnv {
	t.Setenv("INODEFS_CONFIG_FILE", "")
	dir := t.TempDir()
	return &cliEnv{t: t, dir: dir, image: filepath.Join(dir, "disk.img")}
}

func (e *cliEnv) run(args ...string) (string, error) {
	var out bytes.Buffer
	argv := append([]string{"inodefs", "--image", e.image}, args...)
	err := newApp(&out).Run(argv)
	return out.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	out, err := e.run(args...)
	require.NoError(e.t, err, "inodefs %v", args)
	return out
}

func TestCLI(t *testing.T) {
	assert := assert.New(t)
	e := mkCliEnv(t)
	e.mustRun("format", "--sectors", "2048")
	df := e.mustRun("df")
	assert.Equal("free: 2046\ntotal: 2048\n", df)

	inum := strings.TrimSpace(e.mustRun("create", "--length", "0"))
	assert.NotEmpty(inum)

	host := filepath.Join(e.dir, "hello.txt")
	data := bytes.Repeat([]byte("hello, inode\n"), 6000)
	require.NoError(t, os.WriteFile(host, data, 0644))
	e.mustRun("put", inum, host)

	assert.Equal(string(data), e.mustRun("cat", inum))
	assert.Equal("inode", e.mustRun("cat", "--offset", "7", "--size", "5", inum))

	stat := e.mustRun("stat", inum)
	assert.Contains(stat, "length: 78000\n")
	assert.Contains(stat, "sectors: 153\n")
	assert.Contains(stat, "index blocks: 2\n")

	e.mustRun("rm", inum)
	assert.Equal(df, e.mustRun("df"), "rm frees every sector")
}

func TestCLISnapshot(t *testing.T) {
	assert := assert.New(t)
	e := mkCliEnv(t)
	e.mustRun("format", "--sectors", "256")
	inum := strings.TrimSpace(e.mustRun("create", "--length", "0"))
	host := filepath.Join(e.dir, "a.txt")
	require.NoError(t, os.WriteFile(host, []byte("before"), 0644))
	e.mustRun("put", inum, host)

	snap := filepath.Join(e.dir, "disk.zst")
	e.mustRun("snapshot", snap)
	info, err := os.Stat(snap)
	require.NoError(t, err)
	assert.Less(info.Size(), int64(256*512), "mostly empty image compresses")

	require.NoError(t, os.WriteFile(host, []byte("after!"), 0644))
	e.mustRun("put", inum, host)
	assert.Equal("after!", e.mustRun("cat", inum))

	e.mustRun("restore", snap)
	assert.Equal("before", e.mustRun("cat", inum))
}

func TestCLIErrors(t *testing.T) {
	assert := assert.New(t)
	e := mkCliEnv(t)

	_, err := e.run("format")
	assert.Error(err, "no size")
	_, err = e.run("format", "--sectors", "2")
	assert.Error(err, "too small")

	e.mustRun("format", "--sectors", "64")
	_, err = e.run("cat", "0")
	assert.Error(err, "free map is reserved")
	_, err = e.run("cat", "notanumber")
	assert.Error(err)
	_, err = e.run("create", "--length", "100000")
	assert.Error(err, "does not fit")
	_, err = e.run("put", "1")
	assert.Error(err)

	var out bytes.Buffer
	err = newApp(&out).Run([]string{"inodefs", "create"})
	assert.Error(err, "no image configured")
}
