// Package archive provides the store behind Packice/Fruina's Archive blob
// kind (it does not implement blob.Backend): a durable, write-once mirror of a sealed object in Azure Blob
// Storage. It is adapted from gopherfs-fs's io/cloud/azure/blob package,
// trimmed from a general io/fs.FS (directories, arbitrary writes, locking)
// down to the single operation this domain needs: upload a sealed object's
// bytes once, then serve reads (or a remote-fetch URL) from then on.
package archive

import (
	"context"
	"io"
	"net/url"
	"sync"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/packice/fruina/errs"
	"golang.org/x/sync/errgroup"
)

// Backend uploads sealed objects to an Azure Blob Storage container and
// serves them back out. It does not implement blob.Backend's Create for
// write-in-place use — Archive blobs are populated once, from already-sealed
// bytes, by Store.
type Backend struct {
	containerURL azblob.ContainerURL

	mu      sync.Mutex
	uploads map[string]*pendingUpload
}

// New creates a Backend against account/container, authenticated with cred
// (see archive/auth/msi for obtaining one via Managed Service Identity).
func New(account, container string, cred azblob.Credential) (*Backend, error) {
	p := azblob.NewPipeline(cred, azblob.PipelineOptions{})
	u, err := url.Parse("https://" + account + ".blob.core.windows.net/")
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "parsing archive account URL")
	}
	bsu := azblob.NewServiceURL(*u, p)

	return &Backend{containerURL: bsu.NewContainerURL(container), uploads: map[string]*pendingUpload{}}, nil
}

// Store uploads the full contents of r as the archive mirror of objid,
// blocking until the upload completes or ctx is canceled. Store is write-once
// per objid: a second call observed while the first is still in flight waits
// on and returns the first call's result instead of racing it.
func (b *Backend) Store(ctx context.Context, objid string, r io.Reader) (string, error) {
	b.mu.Lock()
	if existing, ok := b.uploads[objid]; ok {
		b.mu.Unlock()
		return existing.wait(ctx)
	}
	pu := newPendingUpload()
	b.uploads[objid] = pu
	b.mu.Unlock()

	u := b.containerURL.NewBlockBlobURL(objid)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := azblob.UploadStreamToBlockBlob(gctx, r, u, azblob.UploadStreamToBlockBlobOptions{})
		return err
	})

	var result string
	err := g.Wait()
	if err != nil {
		err = errs.Wrap(errs.Internal, err, "archiving object %s", objid)
	} else {
		result = u.URL().String()
	}
	pu.finish(result, err)

	return result, err
}

// Open returns a ReadCloser over objid's archived bytes and the URL token
// clients can use to fetch it directly.
func (b *Backend) Open(ctx context.Context, objid string) (io.ReadCloser, string, error) {
	u := b.containerURL.NewBlockBlobURL(objid)

	resp, err := u.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, "", errs.Wrap(errs.NotFound, err, "archive blob %s not found", objid)
	}

	return resp.Body(azblob.RetryReaderOptions{}), u.URL().String(), nil
}

// Delete removes the archive mirror for objid, if present.
func (b *Backend) Delete(ctx context.Context, objid string) error {
	b.mu.Lock()
	delete(b.uploads, objid)
	b.mu.Unlock()

	u := b.containerURL.NewBlockBlobURL(objid)
	_, err := u.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "deleting archive blob %s", objid)
	}
	return nil
}

// pendingUpload tracks an in-flight Store call so a second concurrent Store
// for the same objid waits on the first rather than racing it: a plain
// close-a-channel broadcast, since there is exactly one writer and no
// acknowledgment to wait for.
type pendingUpload struct {
	done chan struct{}

	mu  sync.Mutex
	url string
	err error
}

func newPendingUpload() *pendingUpload {
	return &pendingUpload{done: make(chan struct{})}
}

func (p *pendingUpload) finish(url string, err error) {
	p.mu.Lock()
	p.url, p.err = url, err
	p.mu.Unlock()
	close(p.done)
}

func (p *pendingUpload) wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, p.err
}
