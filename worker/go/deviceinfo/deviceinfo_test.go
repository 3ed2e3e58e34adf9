package deviceinfo

import (
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestSerialNumber(t *testing.T) {
	t.Setenv(DEVICE_SN_ENV_VAR, "")
	assert.Equal(t, "", SerialNumber())
	t.Setenv(DEVICE_SN_ENV_VAR, "0146A14C1001800C")
	assert.Equal(t, "0146A14C1001800C", SerialNumber())
}

func TestGet(t *testing.T) {
	info, ok := Get("0146A14C1001800C")
	assert.True(t, ok)
	assert.Equal(t, "Galaxy Nexus", info.DeviceName)
	assert.Equal(t, "4.0.2", info.OsVersion)

	_, ok = Get("nope")
	assert.False(t, ok)
}

func TestCapabilities(t *testing.T) {
	// A known device contributes its serial number plus its attributes,
	// most specific first.
	assert.Equal(t, []string{
		"0146A14C1001800C",
		"Galaxy Nexus",
		"phone",
		"android",
		"4.0.2",
		"Verizon Wireless",
	}, Capabilities("0146A14C1001800C"))

	// Tablets have no cell number but still contribute everything else.
	assert.Equal(t, []string{
		"388920443A07097",
		"Samsung Galaxy Tab",
		"tablet",
		"android",
		"3.2",
		"Verizon Wireless",
	}, Capabilities("388920443A07097"))

	// An unknown serial still matches tasks which name it directly.
	assert.Equal(t, []string{"mystery"}, Capabilities("mystery"))

	// No device, no tokens.
	assert.Nil(t, Capabilities(""))
}
