package internal

// Panics if given non-nil error.
// Should be used only for failures that indicate a bug in this tool,
// never for problems with the binaries being scanned.
func PanicOnError(err error) {
	if err != nil {
		panic(err)
	}
}
