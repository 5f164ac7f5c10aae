package resolver

import (
	"fmt"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

// FamilyError reports that the upstream query for one specific family
// failed. It carries the transport's error unmodified.
type FamilyError struct {
	Host   string
	Family cache.Family
	Err    error
}

func (e *FamilyError) Error() string {
	return fmt.Sprintf("resolve %s (family %s): %v", e.Host, e.Family, e.Err)
}

func (e *FamilyError) Unwrap() error {
	return e.Err
}

// NoDataError reports that a family-unspecified lookup failed for both
// families. It is synthesized, not a copy of either underlying error.
type NoDataError struct {
	Host string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no address data for %s", e.Host)
}

// NoFamilyMatchError reports that addresses exist for the host but
// none of the requested family.
type NoFamilyMatchError struct {
	Host   string
	Family cache.Family
}

func (e *NoFamilyMatchError) Error() string {
	return fmt.Sprintf("no family %s address for %s", e.Family, e.Host)
}
