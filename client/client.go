package client

import (
	"encoding/hex"
	"fmt"

	"SigMesh/internal/archive"
	"SigMesh/internal/registry"
	"SigMesh/internal/request"
)

// Client connects to a SigMesh node via HTTP.
type Client struct {
	nodeAddr string // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
}

// EpochState holds the node's epoch view.
type EpochState struct {
	Current    uint64            `json:"current"`    // Current is the node's current epoch
	Suggested  uint64            `json:"suggested"`  // Suggested is the minimum committed epoch across chains
	Watermarks map[string]uint64 `json:"watermarks"` // Watermarks maps chain ID to last committed epoch
}

// SignatureResult is the node's response to a signature submission.
type SignatureResult struct {
	Added bool          `json:"added"` // Added is false for an idempotent duplicate
	State request.State `json:"state"` // State is the request state after the submission
}

// NewClient creates a client connected to a node.
func NewClient(nodeAddr string) *Client {
	return &Client{nodeAddr: nodeAddr}
}

// Health checks the node's health endpoint.
func (c *Client) Health() error {
	var resp struct {
		Status string `json:"status"`
	}

	if err := httpGet(c.url("/health"), &resp); err != nil {
		return err
	}

	if resp.Status != "ok" {
		return fmt.Errorf("node unhealthy: %s", resp.Status)
	}

	return nil
}

// Epoch returns the node's epoch view.
func (c *Client) Epoch() (*EpochState, error) {
	var state EpochState

	if err := httpGet(c.url("/epoch"), &state); err != nil {
		return nil, fmt.Errorf("get epoch:\n%w", err)
	}

	return &state, nil
}

// AdvanceWatermark reports a chain's last committed epoch to the node.
// Returns the resulting suggested epoch.
func (c *Client) AdvanceWatermark(chainID string, epoch uint64) (uint64, error) {
	body := map[string]any{
		"chainId": chainID,
		"epoch":   epoch,
	}

	var resp struct {
		Suggested uint64 `json:"suggested"`
	}

	if err := httpPostJSON(c.url("/epoch/watermarks"), body, &resp); err != nil {
		return 0, fmt.Errorf("advance watermark:\n%w", err)
	}

	return resp.Suggested, nil
}

// CreateRequest submits a signing request. epoch pins the validator set
// epoch; nil lets the node resolve its suggested epoch. Re-submitting
// identical content returns the existing request.
func (c *Client) CreateRequest(keyTag uint8, message []byte, epoch *uint64) (*request.SignatureRequest, error) {
	body := map[string]any{
		"keyTag":  keyTag,
		"message": message,
	}

	if epoch != nil {
		body["epoch"] = *epoch
	}

	var req request.SignatureRequest

	if err := httpPostJSON(c.url("/requests"), body, &req); err != nil {
		return nil, fmt.Errorf("create request:\n%w", err)
	}

	return &req, nil
}

// GetRequest fetches a signing request by ID.
func (c *Client) GetRequest(id request.ID) (*request.SignatureRequest, error) {
	var req request.SignatureRequest

	if err := httpGet(c.url("/requests/"+id.String()), &req); err != nil {
		return nil, fmt.Errorf("get request:\n%w", err)
	}

	return &req, nil
}

// ListRequests fetches all requests pinned to an epoch.
func (c *Client) ListRequests(epoch uint64) ([]*request.SignatureRequest, error) {
	var requests []*request.SignatureRequest

	if err := httpGet(c.url(fmt.Sprintf("/requests?epoch=%d", epoch)), &requests); err != nil {
		return nil, fmt.Errorf("list requests:\n%w", err)
	}

	return requests, nil
}

// SubmitSignature delivers one validator's signature on a request.
func (c *Client) SubmitSignature(id request.ID, publicKey, signature []byte) (*SignatureResult, error) {
	body := map[string]any{
		"publicKey": publicKey,
		"signature": signature,
	}

	var result SignatureResult

	if err := httpPostJSON(c.url("/requests/"+id.String()+"/signatures"), body, &result); err != nil {
		return nil, fmt.Errorf("submit signature:\n%w", err)
	}

	return &result, nil
}

// ReportFailure reports a validator-side error against a request.
// Returns the request state after the report.
func (c *Client) ReportFailure(id request.ID, code, reason string) (request.State, error) {
	body := map[string]any{
		"code":   code,
		"reason": reason,
	}

	var resp struct {
		State request.State `json:"state"`
	}

	if err := httpPostJSON(c.url("/requests/"+id.String()+"/failure"), body, &resp); err != nil {
		return "", fmt.Errorf("report failure:\n%w", err)
	}

	return resp.State, nil
}

// VerifyProof asks the node to re-verify a completed request's proof.
func (c *Client) VerifyProof(id request.ID) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}

	if err := httpGet(c.url("/requests/"+id.String()+"/verify"), &resp); err != nil {
		return false, fmt.Errorf("verify proof:\n%w", err)
	}

	return resp.Valid, nil
}

// ActivateSet installs a new validator set on the node.
func (c *Client) ActivateSet(version, epoch uint64, validators []registry.Validator, quorumThreshold uint64) (*registry.ValidatorSet, error) {
	body := map[string]any{
		"version":         version,
		"epoch":           epoch,
		"validators":      validators,
		"quorumThreshold": quorumThreshold,
	}

	var set registry.ValidatorSet

	if err := httpPostJSON(c.url("/validator-sets"), body, &set); err != nil {
		return nil, fmt.Errorf("activate set:\n%w", err)
	}

	return &set, nil
}

// LatestSet fetches the most recently activated validator set.
func (c *Client) LatestSet() (*registry.ValidatorSet, error) {
	var set registry.ValidatorSet

	if err := httpGet(c.url("/validator-sets/latest"), &set); err != nil {
		return nil, fmt.Errorf("get latest set:\n%w", err)
	}

	return &set, nil
}

// SetForEpoch fetches the validator set covering an epoch.
func (c *Client) SetForEpoch(epoch uint64) (*registry.ValidatorSet, error) {
	var set registry.ValidatorSet

	if err := httpGet(c.url(fmt.Sprintf("/validator-sets/%d", epoch)), &set); err != nil {
		return nil, fmt.Errorf("get set for epoch:\n%w", err)
	}

	return &set, nil
}

// LocalValidator fetches the node's own validator identity in the set
// covering the given epoch; nil resolves the node's suggested epoch.
func (c *Client) LocalValidator(epoch *uint64) (*registry.Validator, error) {
	path := "/validators/local"
	if epoch != nil {
		path = fmt.Sprintf("%s?epoch=%d", path, *epoch)
	}

	var v registry.Validator

	if err := httpGet(c.url(path), &v); err != nil {
		return nil, fmt.Errorf("get local validator:\n%w", err)
	}

	return &v, nil
}

// ValidatorByKey resolves the validator holding a tagged public key.
func (c *Client) ValidatorByKey(tag uint8, key []byte, epoch *uint64) (*registry.Validator, error) {
	path := fmt.Sprintf("/validators/by-key?tag=%d&key=%s", tag, hex.EncodeToString(key))
	if epoch != nil {
		path = fmt.Sprintf("%s&epoch=%d", path, *epoch)
	}

	var v registry.Validator

	if err := httpGet(c.url(path), &v); err != nil {
		return nil, fmt.Errorf("get validator by key:\n%w", err)
	}

	return &v, nil
}

// DownloadArchive fetches and verifies an epoch archive.
func (c *Client) DownloadArchive(epoch uint64) (*archive.Archive, error) {
	data, err := httpGetBytes(c.url(fmt.Sprintf("/epochs/%d/archive", epoch)))
	if err != nil {
		return nil, fmt.Errorf("download archive:\n%w", err)
	}

	return archive.Import(data)
}

// url builds a full HTTP URL for a path.
func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}
