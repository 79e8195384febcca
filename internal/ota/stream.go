package ota

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

const (
	topicJobsGetAccepted = "$aws/things/%s/jobs/$next/get/accepted"
	topicJobsNotifyNext  = "$aws/things/%s/jobs/notify-next"
	topicJobsGetNext     = "$aws/things/%s/jobs/$next/get"
	topicJobStatus       = "$aws/things/%s/jobs/%s/update"
	topicStreamData      = "$aws/things/%s/streams/%s/data/cbor"
	topicGetStream       = "$aws/things/%s/streams/%s/get/cbor"

	maxTopicLength = 256

	// Client token of stream requests.
	streamClientToken = "rdy"
)

func topic(format string, args ...interface{}) (string, error) {
	t := fmt.Sprintf(format, args...)
	if len(t) > maxTopicLength {
		return "", errors.WithMessage(ErrTopicTooLarge, t)
	}
	return t, nil
}

// getStreamRequest asks the stream service for the blocks set in Bitmap.
type getStreamRequest struct {
	ClientToken string `cbor:"c"`
	FileID      uint32 `cbor:"f"`
	BlockSize   uint32 `cbor:"l"`
	BlockOffset uint32 `cbor:"o"`
	Bitmap      []byte `cbor:"b"`
}

// streamBlock is one data block of a stream response.
type streamBlock struct {
	FileID    *int32 `cbor:"f"`
	BlockID   *int32 `cbor:"i"`
	BlockSize *int32 `cbor:"l"`
	Payload   []byte `cbor:"p"`
}

var cborEnc cbor.EncMode

func init() {
	var err error
	if cborEnc, err = (cbor.EncOptions{Sort: cbor.SortCanonical}).EncMode(); err != nil {
		panic(err)
	}
}

func encodeGetStream(f *File) ([]byte, error) {
	b, err := cborEnc.Marshal(&getStreamRequest{
		ClientToken: streamClientToken,
		FileID:      f.ServerFileID,
		BlockSize:   f.blockSize,
		Bitmap:      f.bitmap,
	})
	if err != nil {
		return nil, errors.WithMessage(ErrFailedToEncodeCBOR, err.Error())
	}
	return b, nil
}

// decodeStreamBlock returns the file ID, block index and data of a stream
// response. Every field must be present.
func decodeStreamBlock(msg []byte) (fileID int32, block int32, data []byte, err error) {
	var sb streamBlock
	if err = cbor.Unmarshal(msg, &sb); err != nil {
		return 0, 0, nil, err
	}
	if sb.FileID == nil || sb.BlockID == nil || sb.BlockSize == nil || sb.Payload == nil {
		return 0, 0, nil, errors.New("missing stream block field")
	}
	if int(*sb.BlockSize) != len(sb.Payload) {
		return 0, 0, nil, errors.Errorf("block size %d, payload %d bytes", *sb.BlockSize, len(sb.Payload))
	}
	return *sb.FileID, *sb.BlockID, sb.Payload, nil
}
