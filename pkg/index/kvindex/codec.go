// ABOUTME: CBOR value codec for tag records stored in the KV engine
// ABOUTME: Deterministic encoding so identical records produce identical pages

package kvindex

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nainya/tagstore/pkg/tag"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("kvindex: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("kvindex: CBOR decoder initialization failed: " + err.Error())
	}
}

// header is the value stored under the unique name key
type header struct {
	FirstCreated int64  `cbor:"1,keyasint"`
	LastUpdated  int64  `cbor:"2,keyasint"`
	Components   uint64 `cbor:"3,keyasint"`
}

// componentRecord keeps a nil group as CBOR null so it decodes back to nil
type componentRecord struct {
	Repository string  `cbor:"1,keyasint"`
	Group      *string `cbor:"2,keyasint"`
	Name       string  `cbor:"3,keyasint"`
	Version    string  `cbor:"4,keyasint"`
}

func encodeHeader(t *tag.Tag) ([]byte, error) {
	return encMode.Marshal(header{
		FirstCreated: t.FirstCreated.UnixNano(),
		LastUpdated:  t.LastUpdated.UnixNano(),
		Components:   uint64(len(t.Components)),
	})
}

func decodeHeader(data []byte) (header, error) {
	var h header
	err := decMode.Unmarshal(data, &h)
	return h, err
}

func encodeComponent(c tag.Component) ([]byte, error) {
	return encMode.Marshal(componentRecord(c))
}

func decodeComponent(data []byte) (tag.Component, error) {
	var rec componentRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return tag.Component{}, err
	}
	return tag.Component(rec), nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
