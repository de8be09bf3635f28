//go:build arm64

package kernels

func init() {
	if scalarOnly() {
		return
	}
	dotPackedImpl = dotPackedWide
	rmsNormImpl = rmsNormOpt
	siluMulImpl = siluMulOpt
	softmaxImpl = softmaxOpt
}
