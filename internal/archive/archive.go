package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"SigMesh/internal/registry"
	"SigMesh/internal/request"
)

// archiveVersion is the current archive format version.
const archiveVersion = 1

// Archive is an exportable record of one epoch: the validator set that
// governed it and every signing request pinned to it, proofs included.
// The checksum covers the canonical content so an archive can be handed
// to auditors and verified offline.
type Archive struct {
	Version   uint32                      `json:"version"`   // Version is the archive format version
	Epoch     uint64                      `json:"epoch"`     // Epoch is the archived epoch
	Set       *registry.ValidatorSet      `json:"set"`       // Set is the validator set covering the epoch
	Requests  []*request.SignatureRequest `json:"requests"`  // Requests are the epoch's signing requests
	Checksum  []byte                      `json:"checksum"`  // Checksum is BLAKE3 over the canonical content
	CreatedAt time.Time                   `json:"createdAt"` // CreatedAt is when the archive was built
}

// Export builds a zstd-compressed archive of the given epoch.
func Export(store *request.Store, reg *registry.Registry, epoch uint64) ([]byte, error) {
	set, err := reg.SetForEpoch(epoch)
	if err != nil {
		return nil, fmt.Errorf("resolve validator set:\n%w", err)
	}

	requests := store.ListByEpoch(epoch)
	sortRequests(requests)

	a := &Archive{
		Version:   archiveVersion,
		Epoch:     epoch,
		Set:       set,
		Requests:  requests,
		CreatedAt: time.Now().UTC(),
	}

	checksum, err := computeChecksum(a)
	if err != nil {
		return nil, fmt.Errorf("compute checksum:\n%w", err)
	}

	a.Checksum = checksum

	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal archive:\n%w", err)
	}

	return compress(data)
}

// Import decompresses and verifies an archive. The checksum must match
// the recomputed canonical content.
func Import(data []byte) (*Archive, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress archive:\n%w", err)
	}

	var a Archive
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("unmarshal archive:\n%w", err)
	}

	if a.Version != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version: %d", a.Version)
	}

	computed, err := computeChecksum(&a)
	if err != nil {
		return nil, fmt.Errorf("compute checksum:\n%w", err)
	}

	if !bytes.Equal(computed, a.Checksum) {
		return nil, fmt.Errorf("checksum mismatch")
	}

	return &a, nil
}

// sortRequests orders requests by ID for a deterministic checksum.
func sortRequests(requests []*request.SignatureRequest) {
	sort.Slice(requests, func(i, j int) bool {
		return bytes.Compare(requests[i].ID[:], requests[j].ID[:]) < 0
	})
}

// computeChecksum hashes the canonical archive content:
// version (4 bytes) + epoch (8 bytes) + set record + each request record,
// requests sorted by ID, every record length-prefixed.
func computeChecksum(a *Archive) ([]byte, error) {
	hasher := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], a.Version)
	hasher.Write(buf[:4])

	binary.BigEndian.PutUint64(buf[:], a.Epoch)
	hasher.Write(buf[:])

	setData, err := json.Marshal(a.Set)
	if err != nil {
		return nil, err
	}

	binary.BigEndian.PutUint32(buf[:4], uint32(len(setData)))
	hasher.Write(buf[:4])
	hasher.Write(setData)

	sortRequests(a.Requests)

	for _, req := range a.Requests {
		reqData, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}

		hasher.Write(req.ID[:])
		binary.BigEndian.PutUint32(buf[:4], uint32(len(reqData)))
		hasher.Write(buf[:4])
		hasher.Write(reqData)
	}

	checksum := make([]byte, 32)
	hasher.Sum(checksum[:0])

	return checksum, nil
}

// compress compresses archive data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed archive data.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
