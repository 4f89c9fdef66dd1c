package cds

import (
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
)

// ExclusionReason says why a class is kept out of the archive
type ExclusionReason int

const (
	NotExcluded ExclusionReason = iota
	ExcludedFailedVerification
	ExcludedSigned
	ExcludedHidden
	ExcludedOldVersion
	ExcludedJFREvent
)

var exclusionReasonMapping = map[ExclusionReason]string{
	NotExcluded:                "not excluded",
	ExcludedFailedVerification: "failed verification",
	ExcludedSigned:             "signed JAR",
	ExcludedHidden:             "hidden or anonymous class",
	ExcludedOldVersion:         "old class version",
	ExcludedJFREvent:           "JFR event class",
}

func (r ExclusionReason) String() string {
	return exclusionReasonMapping[r]
}

// MinDynamicMajorVersion is the oldest class file version a dynamic archive accepts. Older classes
// are verified by the old verifier, whose results cannot be archived.
const MinDynamicMajorVersion int = 50

// ExclusionReasonFor decides whether class may be archived. Only instance classes are ever excluded.
func ExclusionReasonFor(class metaobj.ClassObj, dynamic bool) ExclusionReason {
	if !class.IsInstanceClass() {
		return NotExcluded
	}

	switch {
	case class.FailedVerification():
		return ExcludedFailedVerification
	case class.IsSigned():
		return ExcludedSigned
	case class.IsHidden():
		return ExcludedHidden
	case dynamic && class.MajorVersion() < MinDynamicMajorVersion:
		return ExcludedOldVersion
	case class.IsJFREventClass():
		return ExcludedJFREvent
	}
	return NotExcluded
}
