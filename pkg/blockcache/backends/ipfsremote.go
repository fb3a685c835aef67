package backends

import (
	"context"
	"fmt"
	"io"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/cms-externals/xcache/pkg/blockcache"
)

// IPFSRemote is a RemoteIO backed by a Kubo/IPFS HTTP API endpoint: the
// remote byte-addressable object is the content addressed by a single CID.
// The Kubo API exposes whole-object Cat, not byte-range fetches, so the
// object is pulled once on first access and served from memory afterward;
// the block cache sitting in front of this is what turns that into
// bounded, on-demand disk I/O for callers.
type IPFSRemote struct {
	sh  *shell.Shell
	cid string

	once     sync.Once
	data     []byte
	fetchErr error
}

// NewIPFSRemote connects to the given Kubo API address (e.g.
// "localhost:5001") and addresses the object at cid.
func NewIPFSRemote(apiAddr, cid string) *IPFSRemote {
	return &IPFSRemote{sh: shell.NewShell(apiAddr), cid: cid}
}

func (r *IPFSRemote) fetch() {
	rc, err := r.sh.Cat(r.cid)
	if err != nil {
		r.fetchErr = fmt.Errorf("backends: ipfs cat %s: %w", r.cid, err)
		return
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		r.fetchErr = fmt.Errorf("backends: ipfs read %s: %w", r.cid, err)
		return
	}
	r.data = data
}

// Read implements blockcache.RemoteIO.
func (r *IPFSRemote) Read(ctx context.Context, buf []byte, off int64) (int, error) {
	r.once.Do(r.fetch)
	if r.fetchErr != nil {
		return 0, r.fetchErr
	}
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("backends: offset %d out of range for %s (%d bytes)", off, r.cid, len(r.data))
	}
	n := copy(buf, r.data[off:])
	return n, nil
}

// ReadV implements blockcache.RemoteIO by resolving each chunk against the
// same cached object.
func (r *IPFSRemote) ReadV(ctx context.Context, chunks []blockcache.ReadVChunk) error {
	for i := range chunks {
		if _, err := r.Read(ctx, chunks[i].Buf, chunks[i].Offset); err != nil {
			return err
		}
	}
	return nil
}
