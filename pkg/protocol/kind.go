package protocol

import "fmt"

// Kind identifies the type of a message on the wire.
type Kind int

const (
	// KindNone means that no message arrived before the poll timed out.
	KindNone Kind = iota

	// KindReqList asks the peer for a listing of its files.
	KindReqList

	// KindReqFile asks the peer for the contents of a single file.
	KindReqFile

	// KindResList carries a listing of files.
	KindResList

	// KindResFile carries the contents of a single file.
	KindResFile

	// KindUnknown is any tag byte outside of the vocabulary.
	KindUnknown
)

// Tag bytes sent on the wire.
const (
	tagReqList byte = 'l'
	tagReqFile byte = 'f'
	tagResList byte = 'L'
	tagResFile byte = 'F'
)

// KindFromByte maps a tag byte to its Kind.
func KindFromByte(b byte) Kind {
	switch b {
	case tagReqList:
		return KindReqList
	case tagReqFile:
		return KindReqFile
	case tagResList:
		return KindResList
	case tagResFile:
		return KindResFile
	default:
		return KindUnknown
	}
}

// Tag returns the byte sent on the wire for the Kind. KindNone and
// KindUnknown don't have a tag, and return zero.
func (k Kind) Tag() byte {
	switch k {
	case KindReqList:
		return tagReqList
	case KindReqFile:
		return tagReqFile
	case KindResList:
		return tagResList
	case KindResFile:
		return tagResFile
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindReqList:
		return "ReqList"
	case KindReqFile:
		return "ReqFile"
	case KindResList:
		return "ResList"
	case KindResFile:
		return "ResFile"
	case KindUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// describeTag formats a tag byte for UnexpectedValue errors.
func describeTag(b byte) string {
	return fmt.Sprintf("%q (%s)", b, KindFromByte(b))
}
