package cpio

import "fmt"

// PathTraversal is returned when an entry's name, once normalized, would
// resolve outside the extraction root.
type PathTraversal struct {
	Name string
}

func (e *PathTraversal) Error() string {
	return fmt.Sprintf("cpio: refusing to extract %q: resolves outside the destination directory", e.Name)
}

// AlreadyExists is returned when extraction would overwrite an existing,
// non-directory path and --force was not given.
type AlreadyExists struct {
	Name string
}

func (e *AlreadyExists) Error() string {
	return fmt.Sprintf("cpio: %q already exists", e.Name)
}

// PermissionDenied is returned when an entry requires privilege the
// current process does not have (device nodes without CAP_MKNOD, chown
// without being root).
type PermissionDenied struct {
	Name string
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("cpio: permission denied creating %q", e.Name)
}

// SizeMismatch is returned when the bytes actually read from a manifest
// entry's source file differ from its declared size.
type SizeMismatch struct {
	Location string
	Declared int64
	Actual   int64
}

func (e *SizeMismatch) Error() string {
	return fmt.Sprintf("cpio: %q: declared size %d does not match actual size %d", e.Location, e.Declared, e.Actual)
}

// ManifestSyntax is returned for a manifest line that cannot be parsed.
type ManifestSyntax struct {
	Line int
	Text string
}

func (e *ManifestSyntax) Error() string {
	return fmt.Sprintf("cpio: manifest line %d: syntax error: %s", e.Line, e.Text)
}

// ManifestMissingType is returned when an entry line leaves both location
// and type unspecified, so no type can be resolved.
type ManifestMissingType struct {
	Line int
}

func (e *ManifestMissingType) Error() string {
	return fmt.Sprintf("cpio: manifest line %d: type is required when location is unspecified", e.Line)
}

// UnsupportedEntryType is returned for a mode whose file-type bits do not
// correspond to a type this implementation can write or extract.
type UnsupportedEntryType struct {
	Mode Mode
}

func (e *UnsupportedEntryType) Error() string {
	return fmt.Sprintf("cpio: unsupported entry type in mode %o", uint32(e.Mode))
}
