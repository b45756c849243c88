//go:build !cuda

package device

// NewCUDABackend requires a CUDA toolchain. Build with -tags cuda on Linux.
func NewCUDABackend(deviceID int) Backend {
	panic("CUDA backend is not supported on this platform. Build with -tags cuda on Linux.")
}
