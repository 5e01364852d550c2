//go:build windows

package hardware

import (
	"os/exec"
	"strings"
)

// npuDriverVersion queries the installed NPU driver version from the PnP
// driver table. An empty string means the version could not be determined.
func npuDriverVersion() string {
	out, err := exec.Command(
		"powershell", "-NoProfile", "-Command",
		`(Get-CimInstance Win32_PnPSignedDriver | Where-Object { $_.DeviceName -like '*NPU Compute Accelerator*' }).DriverVersion`,
	).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
