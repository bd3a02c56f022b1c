package portwire

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FuzzDecode feeds raw page payloads through the decoder. Anything it
// accepts must survive a re-encode.
func FuzzDecode(f *testing.F) {
	f.Add(`{"ext":"a@b","type":"connect","name":"bridge","port":"p1"}`)
	f.Add(`{"ext":"a@b","type":"message","port":"p1","seq":3,"data":{"n":[1,2]}}`)
	f.Add(`{"ext":"a@b","type":"tabs.create","data":{"url":"https://example.org","active":true}}`)
	f.Add(`{"ext":"a@b","type":"tabs.update","data":"not an object"}`)
	f.Add(`{"ext":"","type":"action"}`)
	f.Add(`[]`)

	f.Fuzz(func(t *testing.T, payload string) {
		env, err := Decode(payload)
		if err != nil {
			return
		}
		assert.NotEmpty(t, env.Ext)

		// A tabs payload that is not an object is an error, never a panic.
		_, _ = DecodeTabRequest(env)

		encoded, err := Encode(env)
		require.NoError(t, err)
		again, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, env.Type, again.Type)
		assert.Equal(t, env.Seq, again.Seq)
	})
}

// FuzzDeliverScript_Structured builds envelopes field by field.
func FuzzDeliverScript_Structured(f *testing.F) {
	f.Add([]byte("connect\x00bridge\x00p1"))
	f.Add([]byte{0x01, 0x02, 0x03, 0xff, 0x00, 0x7f})

	f.Fuzz(func(t *testing.T, data []byte) {
		var env Envelope
		if err := fuzz.NewConsumer(data).GenerateStruct(&env); err != nil {
			return
		}

		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Caught a panic while encoding a generated envelope: %v", r)
			}
		}()

		script, err := DeliverScript(env)
		if err != nil {
			// Arbitrary Data is usually not valid JSON.
			return
		}
		assert.True(t, strings.HasPrefix(script, "window.__browsershellDeliver"))
		_, _ = DecodeTabRequest(env)
	})
}
