package appkey

// Status is the closed set of protocol status codes returned by key
// management operations. Values map 1:1 onto the foundation-model status
// codes carried in AppKey management responses.
type Status uint8

const (
	StatusSuccess               Status = 0x00
	StatusInvalidAppKey         Status = 0x03
	StatusInvalidNetKey         Status = 0x04
	StatusInsufficientResources Status = 0x05
	StatusAlreadyStored         Status = 0x06
	StatusCannotUpdate          Status = 0x0b
	StatusCannotSet             Status = 0x0f
	StatusInvalidBinding        Status = 0x11
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidAppKey:
		return "invalid appkey index"
	case StatusInvalidNetKey:
		return "invalid netkey index"
	case StatusInsufficientResources:
		return "insufficient resources"
	case StatusAlreadyStored:
		return "key index already stored"
	case StatusCannotUpdate:
		return "cannot update"
	case StatusCannotSet:
		return "cannot set"
	case StatusInvalidBinding:
		return "invalid binding"
	default:
		return "unspecified"
	}
}
