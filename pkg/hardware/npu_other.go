//go:build !windows

package hardware

// npuDriverVersion is only meaningful on Windows, where the Ryzen AI driver
// stack lives. Elsewhere the NPU is reported without a driver version.
func npuDriverVersion() string {
	return ""
}
