package testutil

import (
	"context"
	"fmt"
	"sync"

	"cipherfan/internal/domain"
	"cipherfan/internal/relay"
)

// Directory wraps a Hub and injects failures per device or per user. It
// also counts device-list queries so cache behaviour can be asserted.
type Directory struct {
	*relay.Hub

	mu            sync.Mutex
	bundleErrs    map[domain.DeviceAddress]error
	deviceErrs    map[domain.UserID]error
	relayErr      error
	uploadErr     error
	deviceQueries map[domain.UserID]int
	relayed       []domain.RelayRequest
}

// NewDirectory returns a failure-injecting directory over a fresh Hub.
func NewDirectory() *Directory {
	return &Directory{
		Hub:           relay.NewHub(nil),
		bundleErrs:    make(map[domain.DeviceAddress]error),
		deviceErrs:    make(map[domain.UserID]error),
		deviceQueries: make(map[domain.UserID]int),
	}
}

// FailBundle makes every bundle fetch for addr fail.
func (d *Directory) FailBundle(addr domain.DeviceAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundleErrs[addr] = fmt.Errorf("injected bundle failure for %s", addr)
}

// FailDevices makes device listing for user fail.
func (d *Directory) FailDevices(user domain.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deviceErrs[user] = fmt.Errorf("injected directory failure for %s", user)
}

// FailRelay makes every RelayMessage call fail with err; nil clears it.
func (d *Directory) FailRelay(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relayErr = err
}

// FailUpload makes every UploadMedia call fail with err; nil clears it.
func (d *Directory) FailUpload(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploadErr = err
}

// DeviceQueries returns how many times ListDevices was called for user.
func (d *Directory) DeviceQueries(user domain.UserID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceQueries[user]
}

// Relayed returns every request handed to RelayMessage.
func (d *Directory) Relayed() []domain.RelayRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.RelayRequest(nil), d.relayed...)
}

func (d *Directory) FetchKeyBundle(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.KeyBundle, error) {
	d.mu.Lock()
	err := d.bundleErrs[domain.DeviceAddress{UserID: user, DeviceID: device}]
	d.mu.Unlock()
	if err != nil {
		return domain.KeyBundle{}, err
	}
	return d.Hub.FetchKeyBundle(ctx, user, device)
}

func (d *Directory) ListDevices(ctx context.Context, user domain.UserID) ([]domain.DeviceDescriptor, error) {
	d.mu.Lock()
	d.deviceQueries[user]++
	err := d.deviceErrs[user]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.Hub.ListDevices(ctx, user)
}

func (d *Directory) RelayMessage(ctx context.Context, req domain.RelayRequest) (domain.RelayReceipt, error) {
	d.mu.Lock()
	err := d.relayErr
	d.relayed = append(d.relayed, req)
	d.mu.Unlock()
	if err != nil {
		return domain.RelayReceipt{}, err
	}
	return d.Hub.RelayMessage(ctx, req)
}

func (d *Directory) UploadMedia(ctx context.Context, chat domain.ChatID, blob []byte) (domain.MediaReceipt, error) {
	d.mu.Lock()
	err := d.uploadErr
	d.mu.Unlock()
	if err != nil {
		return domain.MediaReceipt{}, err
	}
	return d.Hub.UploadMedia(ctx, chat, blob)
}
