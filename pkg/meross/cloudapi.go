package meross

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cloud API surface. Every call is a POST of a signed params envelope with
// the session token in the Authorization header.
const (
	cloudAPIBaseDefault = "https://iotx-us.meross.com"
	cloudAppSecret      = "23x17ahWarFH6w29"

	pathDeviceList    = "/v1/Device/devList"
	pathSubDeviceList = "/v1/Hub/getSubDevices"
	pathLogout        = "/v1/Profile/logout"
)

// API statuses that invalidate the session token. On any of these the caller
// must drop the stored token and wait for fresh credentials.
const (
	apiStatusOK            = 0
	apiStatusTokenExpired  = 1019
	apiStatusTokenError    = 1022
	apiStatusTokenInvalid  = 1200
	apiStatusTooManyTokens = 1301
)

var tokenErrorStatuses = map[int]struct{}{
	apiStatusTokenExpired:  {},
	apiStatusTokenError:    {},
	apiStatusTokenInvalid:  {},
	apiStatusTooManyTokens: {},
}

// ErrTokenInvalid is returned when the cloud rejects the session token.
var ErrTokenInvalid = errors.New("meross: cloud api token invalid")

// CloudAPIError reports a non-zero apiStatus from the cloud.
type CloudAPIError struct {
	Status int
	Info   string
}

func (e *CloudAPIError) Error() string {
	return fmt.Sprintf("meross: cloud api status %d: %s", e.Status, e.Info)
}

// IsTokenError reports whether the status invalidates the session token.
func (e *CloudAPIError) IsTokenError() bool {
	_, ok := tokenErrorStatuses[e.Status]
	return ok
}

// DeviceInfo is one inventory entry from the cloud device list.
type DeviceInfo struct {
	UUID           string          `json:"uuid"`
	DevName        string          `json:"devName"`
	DeviceType     string          `json:"deviceType"`
	Domain         string          `json:"domain"`
	ReservedDomain string          `json:"reservedDomain"`
	OnlineStatus   int             `json:"onlineStatus"`
	FmwareVersion  string          `json:"fmwareVersion"`
	HdwareVersion  string          `json:"hdwareVersion"`
	SubDeviceInfo  []SubDeviceInfo `json:"subDeviceInfo,omitempty"`
}

// SubDeviceInfo is one hub subdevice entry.
type SubDeviceInfo struct {
	SubDeviceID     string `json:"subDeviceId"`
	SubDeviceType   string `json:"subDeviceType"`
	SubDeviceName   string `json:"subDeviceName"`
	TrueName        string `json:"trueName"`
	SubDeviceVendor string `json:"subDeviceVendor"`
}

// GenerateAppID derives a fresh cloud app id (hex md5 of a random uuid).
func GenerateAppID() string {
	sum := md5.Sum([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

// CloudClient talks to the Meross cloud HTTP API. It holds no token; the
// caller passes the session token per call so token refresh stays the
// profile's concern.
type CloudClient struct {
	base   string
	client *http.Client
	logger *zap.Logger
}

// NewCloudClient builds a client against base (the account api domain),
// falling back to the default region endpoint when empty.
func NewCloudClient(base string, logger *zap.Logger) *CloudClient {
	if base == "" {
		base = cloudAPIBaseDefault
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudClient{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With(zap.String("component", "cloudapi")),
	}
}

// DeviceList fetches the account device inventory.
func (c *CloudClient) DeviceList(ctx context.Context, token string) ([]DeviceInfo, error) {
	data, err := c.call(ctx, token, pathDeviceList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var devices []DeviceInfo
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}
	return devices, nil
}

// SubDeviceList fetches the subdevices paired to a hub.
func (c *CloudClient) SubDeviceList(ctx context.Context, token, uuid string) ([]SubDeviceInfo, error) {
	data, err := c.call(ctx, token, pathSubDeviceList, map[string]any{"uuid": uuid})
	if err != nil {
		return nil, err
	}
	var subdevices []SubDeviceInfo
	if err := json.Unmarshal(data, &subdevices); err != nil {
		return nil, fmt.Errorf("decode subdevice list: %w", err)
	}
	return subdevices, nil
}

// Logout invalidates the session token server-side. Best effort; callers
// log and move on when it fails.
func (c *CloudClient) Logout(ctx context.Context, token string) error {
	_, err := c.call(ctx, token, pathLogout, map[string]any{})
	return err
}

func (c *CloudClient) call(ctx context.Context, token, path string, params map[string]any) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(rawParams)
	nonce := NewMessageID()[:16]
	timestamp := time.Now().UnixMilli()
	sum := md5.Sum([]byte(fmt.Sprintf("%s%d%s%s", cloudAppSecret, timestamp, nonce, encoded)))

	body, err := json.Marshal(map[string]any{
		"params":    encoded,
		"sign":      hex.EncodeToString(sum[:]),
		"timestamp": timestamp,
		"nonce":     nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud api request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read cloud api reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("meross: cloud api http status %d", resp.StatusCode)
	}

	var envelope struct {
		APIStatus int             `json:"apiStatus"`
		Info      string          `json:"info"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode cloud api reply: %w", err)
	}
	if envelope.APIStatus != apiStatusOK {
		apiErr := &CloudAPIError{Status: envelope.APIStatus, Info: envelope.Info}
		if apiErr.IsTokenError() {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, apiErr)
		}
		return nil, apiErr
	}
	return envelope.Data, nil
}
