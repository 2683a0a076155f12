package objstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-uuid"
)

// MemStore is an in-memory MultipartStore used by tests and local runs. Completed objects
// are the concatenation of their parts in part number order. Like minio, calls made with a
// done context fail with the context's error.
type MemStore struct {
	mu      sync.Mutex
	bucket  string
	uploads map[string]*memUpload
	objects map[string][]byte
	aborted map[string]bool

	// FailUploadPart makes every UploadPart call fail with this error when set.
	FailUploadPart error
}

type memUpload struct {
	key   string
	parts map[int][]byte
}

func NewMemStore(bucket string) *MemStore {
	return &MemStore{
		bucket:  bucket,
		uploads: make(map[string]*memUpload),
		objects: make(map[string][]byte),
		aborted: make(map[string]bool),
	}
}

func (s *MemStore) CreateMultipartUpload(ctx context.Context, key string) (Upload, error) {
	if err := ctx.Err(); err != nil {
		return Upload{}, err
	}

	uploadID, err := uuid.GenerateUUID()
	if err != nil {
		return Upload{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[uploadID] = &memUpload{key: key, parts: make(map[int][]byte)}

	return Upload{Bucket: s.bucket, Key: key, UploadID: uploadID}, nil
}

func (s *MemStore) UploadPart(ctx context.Context, upload Upload, partNumber int, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailUploadPart != nil {
		return "", s.FailUploadPart
	}

	u, ok := s.uploads[upload.UploadID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchUpload, upload.UploadID)
	}

	u.parts[partNumber] = bytes.Clone(data)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func (s *MemStore) CompleteMultipartUpload(ctx context.Context, upload Upload, parts []Part) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[upload.UploadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchUpload, upload.UploadID)
	}

	if len(parts) != len(u.parts) {
		return fmt.Errorf("complete lists %d parts, upload has %d", len(parts), len(u.parts))
	}

	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var object []byte
	for _, p := range sorted {
		data, ok := u.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("part %d was never uploaded", p.PartNumber)
		}
		object = append(object, data...)
	}

	s.objects[u.key] = object
	delete(s.uploads, upload.UploadID)
	return nil
}

func (s *MemStore) AbortMultipartUpload(_ context.Context, upload Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[upload.UploadID]; !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchUpload, upload.UploadID)
	}

	delete(s.uploads, upload.UploadID)
	s.aborted[upload.UploadID] = true
	return nil
}

func (s *MemStore) RemoveObject(_ context.Context, _, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Object returns a completed object.
func (s *MemStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// PartCount is the number of parts uploaded so far to an upload in progress.
func (s *MemStore) PartCount(uploadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.uploads[uploadID]; ok {
		return len(u.parts)
	}
	return 0
}

func (s *MemStore) IsInProgress(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.uploads[uploadID]
	return ok
}

func (s *MemStore) WasAborted(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted[uploadID]
}
