package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]interface{}{
		"zebra": 1,
		"alpha": "x",
		"mid":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":true,"zebra":1}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"cmd": "a < b && c > d"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "a < b && c > d")
}

func TestJCSRespectsStructTags(t *testing.T) {
	type action struct {
		Target string `json:"target"`
		Type   string `json:"type"`
	}
	out, err := JCS(action{Target: "api", Type: "restart_service"})
	require.NoError(t, err)
	assert.Equal(t, `{"target":"api","type":"restart_service"}`, string(out))
}

func TestCanonicalHashDeterministic(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": "two"}
	b := map[string]interface{}{"y": "two", "x": 1}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestCanonicalHashSensitiveToContent(t *testing.T) {
	ha, err := CanonicalHash(map[string]string{"target": "api"})
	require.NoError(t, err)
	hb, err := CanonicalHash(map[string]string{"target": "api2"})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}
