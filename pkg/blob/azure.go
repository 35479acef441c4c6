package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azblobblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
)

// maxAppendBlock is the largest payload a single append block accepts.
const maxAppendBlock = 4 << 20

// AzureStore keeps objects in one Azure Blob Storage container.
type AzureStore struct {
	container *container.Client

	mu      sync.Mutex
	created map[string]bool
}

// NewAzureStore connects to container using a storage connection string.
func NewAzureStore(connectionString, containerName string) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &AzureStore{
		container: client.ServiceClient().NewContainerClient(containerName),
		created:   make(map[string]bool),
	}, nil
}

// List implements Store. The flat listing already descends into virtual
// folders.
func (s *AzureStore) List(ctx context.Context, prefix string) ([]Object, error) {
	opts := &container.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}

	var objects []Object
	pager := s.container.NewListBlobsFlatPager(opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list blobs: %w", err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil || IsLeaseObject(*item.Name) {
				continue
			}
			obj := Object{Name: *item.Name}
			if item.Properties != nil && item.Properties.ContentLength != nil {
				obj.Size = *item.Properties.ContentLength
			}
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

// Open implements Store.
func (s *AzureStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := s.container.NewBlobClient(name).DownloadStream(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	return resp.Body, nil
}

// Append implements Store using an append blob, split into blocks no
// larger than the service limit.
func (s *AzureStore) Append(ctx context.Context, name string, data []byte) error {
	client := s.container.NewAppendBlobClient(name)

	if err := s.ensureAppendBlob(ctx, name); err != nil {
		return err
	}

	for len(data) > 0 {
		n := len(data)
		if n > maxAppendBlock {
			n = maxAppendBlock
		}
		body := streaming.NopCloser(bytes.NewReader(data[:n]))
		if _, err := client.AppendBlock(ctx, body, nil); err != nil {
			return fmt.Errorf("append block to %s: %w", name, err)
		}
		data = data[n:]
	}
	return nil
}

func (s *AzureStore) ensureAppendBlob(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created[name] {
		return nil
	}
	_, err := s.container.NewAppendBlobClient(name).Create(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists) {
		return fmt.Errorf("create append blob %s: %w", name, err)
	}
	s.created[name] = true
	return nil
}

// AcquireLease implements Store with a native lease on the empty blob
// name+LeaseSuffix. Azure accepts durations between 15 and 60 seconds.
func (s *AzureStore) AcquireLease(ctx context.Context, name string, duration time.Duration) (Lease, error) {
	blockClient := s.container.NewBlockBlobClient(name + LeaseSuffix)

	// Create the lock blob only when it is missing.
	_, err := blockClient.UploadBuffer(ctx, []byte{}, &blockblob.UploadBufferOptions{
		AccessConditions: &azblobblob.AccessConditions{
			ModifiedAccessConditions: &azblobblob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	})
	if err != nil && !bloberror.HasCode(err,
		bloberror.BlobAlreadyExists, bloberror.ConditionNotMet, bloberror.LeaseIDMissing) {
		return nil, fmt.Errorf("create lock blob %s: %w", name, err)
	}

	leaseClient, err := lease.NewBlobClient(blockClient, nil)
	if err != nil {
		return nil, fmt.Errorf("create lease client: %w", err)
	}

	seconds := int32(duration / time.Second)
	if seconds < 15 {
		seconds = 15
	}
	if seconds > 60 {
		seconds = 60
	}

	if _, err := leaseClient.AcquireLease(ctx, seconds, nil); err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
		}
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return &azureLease{client: leaseClient}, nil
}

type azureLease struct {
	client *lease.BlobClient
}

func (l *azureLease) Renew(ctx context.Context) error {
	if _, err := l.client.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

func (l *azureLease) Release(ctx context.Context) error {
	if _, err := l.client.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
