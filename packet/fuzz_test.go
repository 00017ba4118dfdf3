package packet

import "testing"

func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x00, 0x00})
	f.Add(make([]byte, MTU+10))
	f.Add([]byte{flagHeader2, 0x00})

	seed := Packet{
		HeaderType: HeaderType1,
		DestType:   DestPlain,
		Type:       TypeAnnounce,
		Addresses:  [][AddressSize]byte{addr(0xAA)},
		Payload:    []byte("hello"),
	}
	if encoded, err := Encode(seed); err == nil {
		f.Add(encoded)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input, well-formed or not.
		_, _ = Decode(data)
	})
}
