package ethos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    *int
		wantErr bool
	}{
		{name: "envelope with object", body: `{"ok":true,"data":{"score":1650}}`, want: ptr(1650)},
		{name: "bare object", body: `{"score":1650,"level":"reputable"}`, want: ptr(1650)},
		{name: "bare number", body: `1650`, want: ptr(1650)},
		{name: "fractional number", body: `1649.6`, want: ptr(1650)},
		{name: "string score", body: `"1650"`, want: ptr(1650)},
		{name: "envelope with string score", body: `{"ok":true,"data":{"score":"980"}}`, want: ptr(980)},
		{name: "null score", body: `{"ok":true,"data":{"score":null}}`, want: nil},
		{name: "object without score", body: `{"level":"neutral"}`, wantErr: true},
		{name: "garbage string", body: `"high"`, wantErr: true},
		{name: "array", body: `[1,2]`, wantErr: true},
		{name: "failed envelope", body: `{"ok":false,"error":"boom"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := unwrap([]byte(tt.body))
			if err == nil {
				var score *int
				score, err = decodeScore(raw)
				if !tt.wantErr {
					require.NoError(t, err)
					assert.Equal(t, tt.want, score)

					return
				}
			}

			require.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestDecodeStats(t *testing.T) {
	t.Parallel()

	nested, err := decodeStats([]byte(`{
		"reviews":{"received":4,"positiveReviewPercentage":75},
		"vouches":{"count":{"received":2},"balance":{"received":0.5}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, Stats{ReviewCount: 4, PositiveReviewPercentage: 75, VouchCount: 2, VouchBalance: 0.5}, nested)

	flat, err := decodeStats([]byte(`{"reviewCount":1,"vouchCount":3,"vouchBalance":1.25}`))
	require.NoError(t, err)
	assert.Equal(t, Stats{ReviewCount: 1, VouchCount: 3, VouchBalance: 1.25}, flat)

	_, err = decodeStats([]byte(`12`))
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDecodeAddress(t *testing.T) {
	t.Parallel()

	address, err := decodeAddress([]byte(`{"primaryAddress":"0x0000000000000000000000000000000000000000"}`))
	require.NoError(t, err)
	assert.Empty(t, address)

	address, err = decodeAddress([]byte(`"0xAbC0000000000000000000000000000000000001"`))
	require.NoError(t, err)
	assert.Equal(t, "0xAbC0000000000000000000000000000000000001", address)
}

func TestDecodeBool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body    string
		want    bool
		wantErr bool
	}{
		{body: `true`, want: true},
		{body: `false`},
		{body: `"true"`, want: true},
		{body: `{"ownsValidator":true}`, want: true},
		{body: `[{"tokenId":"1"}]`, want: true},
		{body: `[]`},
		{body: `{"unrelated":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			t.Parallel()

			got, err := decodeBool([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedResponse)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeKeyed(t *testing.T) {
	t.Parallel()

	fromMap, err := decodeKeyed([]byte(`{"service:discord:1":{"score":1300},"service:discord:2":900}`))
	require.NoError(t, err)
	assert.Len(t, fromMap, 2)

	fromArray, err := decodeKeyed([]byte(`[{"userkey":"service:discord:1","score":1300},{"userKey":"service:discord:2","score":900},{"score":5}]`))
	require.NoError(t, err)
	assert.Len(t, fromArray, 2)

	score, err := decodeScore(fromArray["service:discord:2"])
	require.NoError(t, err)
	assert.Equal(t, 900, *score)

	_, err = decodeKeyed([]byte(`"nope"`))
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func ptr(v int) *int {
	return &v
}
