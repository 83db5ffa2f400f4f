package media

import "errors"

var (
	// ErrAssetNotFound means nothing exists at the asset path.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrAssetUnreadable means the asset exists but is not a decodable raster image.
	ErrAssetUnreadable = errors.New("asset unreadable")
	// ErrEncodingFailed means a strip could not be serialized.
	ErrEncodingFailed = errors.New("encoding failed")
	// ErrAssetTooLarge means even a single-pixel tile exceeds the transport limit.
	ErrAssetTooLarge = errors.New("asset too large for transport")
	// ErrTransportUnavailable means the transport could not report its limit.
	// It is never fatal; the fallback limit is used instead.
	ErrTransportUnavailable = errors.New("transport limit unavailable")
	// ErrSendFailed wraps a per-unit transport failure.
	ErrSendFailed = errors.New("send failed")
	// ErrDeliveryFailed means every unit of a delivery failed.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrNoUsableEncoding means the transport accepts none of the encodings
	// available for the unit.
	ErrNoUsableEncoding = errors.New("no usable encoding for transport")
)
