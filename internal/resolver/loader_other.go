//go:build !windows

package resolver

type absentLoader struct{}

// SystemLoader reports every library as absent: the runtime only exists on
// Windows.
func SystemLoader() Loader {
	return absentLoader{}
}

func (absentLoader) FindLibrary(string) (Handle, bool) {
	return 0, false
}

func (absentLoader) ResolveSymbol(Handle, string) (uintptr, bool) {
	return 0, false
}
