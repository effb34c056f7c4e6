package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// The bridge never holds hive keys. Signing and memo decryption are
// delegated to an external signer so that key material stays out of
// this process entirely.

// Signer produces signatures for outgoing hive transactions. The
// signer picks its keys from the operations in the transaction,
// transfers need the active key and custom_jsons the posting key.
type Signer interface {
	// SignTransaction returns the hex signatures for the given
	// transaction.
	SignTransaction(ctx context.Context, trx *Transaction) ([]string,
		error)
}

// MemoDecrypter decrypts encrypted transfer memos.
type MemoDecrypter interface {
	// DecryptMemo returns the plain text of an encrypted memo.
	DecryptMemo(ctx context.Context, memo string) (string, error)
}

// encryptedMemoPrefix marks a memo as encrypted on chain.
const encryptedMemoPrefix = "#"

// DecodeMemo resolves a possibly encrypted memo to plain text. Plain
// memos pass through untouched. Any decryption failure falls back to
// the raw memo, an unreadable memo must never block the operation
// carrying it.
func DecodeMemo(ctx context.Context, d MemoDecrypter, memo string) string {
	if !strings.HasPrefix(memo, encryptedMemoPrefix) {
		return memo
	}

	if d == nil {
		return memo
	}

	decoded, err := d.DecryptMemo(ctx, memo)
	if err != nil {
		log.Debugf("Could not decrypt memo: %v", err)
		return memo
	}

	if decoded == memo {
		return memo
	}

	return strings.TrimPrefix(decoded, encryptedMemoPrefix)
}

// defaultSignerTimeout bounds each call to the signer.
const defaultSignerTimeout = 10 * time.Second

// RemoteSigner signs transactions and decrypts memos through a local
// signer sidecar speaking json over http.
type RemoteSigner struct {
	endpoint string
	client   *http.Client
}

// NewRemoteSigner returns a signer talking to the given endpoint.
func NewRemoteSigner(endpoint string) *RemoteSigner {
	return &RemoteSigner{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client: &http.Client{
			Timeout: defaultSignerTimeout,
		},
	}
}

// signRequest asks the sidecar to sign a transaction.
type signRequest struct {
	Transaction *Transaction `json:"transaction"`
}

// signResponse carries the signatures back.
type signResponse struct {
	Signatures []string `json:"signatures"`
}

// SignTransaction implements the Signer interface.
func (r *RemoteSigner) SignTransaction(ctx context.Context,
	trx *Transaction) ([]string, error) {

	var response signResponse
	err := r.post(ctx, "/sign", signRequest{Transaction: trx},
		&response)
	if err != nil {
		return nil, err
	}

	if len(response.Signatures) == 0 {
		return nil, fmt.Errorf("signer returned no signatures")
	}

	return response.Signatures, nil
}

// memoRequest asks the sidecar to decrypt a memo.
type memoRequest struct {
	Memo string `json:"memo"`
}

// memoResponse carries the plain text back.
type memoResponse struct {
	Memo string `json:"memo"`
}

// DecryptMemo implements the MemoDecrypter interface.
func (r *RemoteSigner) DecryptMemo(ctx context.Context, memo string) (string,
	error) {

	var response memoResponse
	err := r.post(ctx, "/memo/decrypt", memoRequest{Memo: memo},
		&response)
	if err != nil {
		return "", err
	}

	return response.Memo, nil
}

// post runs one call against the sidecar.
func (r *RemoteSigner) post(ctx context.Context, path string,
	request, response interface{}) error {

	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, r.endpoint+path,
		bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signer status: %v", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, response); err != nil {
		return fmt.Errorf("signer: decode response: %w", err)
	}

	return nil
}
