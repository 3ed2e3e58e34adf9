// Package deviceinfo derives capability tokens for a device attached to this
// worker. The serial number comes from the DEVICE_SN environment variable and
// the remaining attributes from a static registry of known devices.
package deviceinfo

import "os"

// DEVICE_SN_ENV_VAR names the environment variable holding the serial number
// of the attached device, if any.
const DEVICE_SN_ENV_VAR = "DEVICE_SN"

// Info describes one known device.
type Info struct {
	DeviceType string
	DeviceName string
	OsName     string
	OsVersion  string
	CellNumber string
	Provider   string
	Hub        string
	HubPort    string
}

// deviceRegistry maps serial numbers of known attached devices to their
// attributes.
var deviceRegistry = map[string]Info{
	"0146A14C1001800C": {
		DeviceType: "phone",
		DeviceName: "Galaxy Nexus",
		OsName:     "android",
		OsVersion:  "4.0.2",
		CellNumber: "4258900342",
		Provider:   "Verizon Wireless",
		Hub:        "01",
		HubPort:    "D",
	},
	"HT16RS015741": {
		DeviceType: "phone",
		DeviceName: "HTC Thunderbolt",
		OsName:     "android",
		OsVersion:  "2.3.4",
		CellNumber: "4258908379",
		Provider:   "Verizon Wireless",
		Hub:        "01",
		HubPort:    "B",
	},
	"TA08200CI0": {
		DeviceType: "phone",
		DeviceName: "Motorola Droid X2",
		OsName:     "android",
		OsVersion:  "2.3.4",
		CellNumber: "4258909336",
		Provider:   "Verizon Wireless",
		Hub:        "01",
		HubPort:    "A",
	},
	"388920443A07097": {
		DeviceType: "tablet",
		DeviceName: "Samsung Galaxy Tab",
		OsName:     "android",
		OsVersion:  "3.2",
		Provider:   "Verizon Wireless",
		Hub:        "01",
		HubPort:    "C",
	},
}

// SerialNumber returns the serial number of the attached device, or "" if no
// device is attached.
func SerialNumber() string {
	return os.Getenv(DEVICE_SN_ENV_VAR)
}

// Get looks up a device by serial number.
func Get(serial string) (Info, bool) {
	info, ok := deviceRegistry[serial]
	return info, ok
}

// appendIf appends value to l if it is non-empty.
func appendIf(l []string, value string) []string {
	if value != "" {
		l = append(l, value)
	}
	return l
}

// Capabilities returns the capability tokens contributed by the device with
// the given serial number: the serial number itself followed by the known
// attributes, most specific first. Returns nil if serial is empty.
func Capabilities(serial string) []string {
	if serial == "" {
		return nil
	}
	rv := []string{serial}
	info, ok := deviceRegistry[serial]
	if !ok {
		return rv
	}
	rv = appendIf(rv, info.DeviceName)
	rv = appendIf(rv, info.DeviceType)
	rv = appendIf(rv, info.OsName)
	rv = appendIf(rv, info.OsVersion)
	rv = appendIf(rv, info.Provider)
	return rv
}
