package authz

import (
	"strings"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
)

// Arrowhead certificate common names follow the 5-part structure
// <system>.<cloud>.<operator>.arrowhead.eu. A system's declared identity
// is only trusted when its certificate CN conforms.

const cnPartCount = 5

// ValidateCommonName checks the structural rules of an Arrowhead CN.
func ValidateCommonName(commonName string) error {
	parts := strings.Split(commonName, ".")
	if len(parts) != cnPartCount {
		return pkg.UnauthorizedError("Certificate common name does not have the expected 5-part structure")
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return pkg.UnauthorizedError("Certificate common name contains an empty segment")
		}
	}
	if !strings.EqualFold(parts[3], "arrowhead") || !strings.EqualFold(parts[4], "eu") {
		return pkg.UnauthorizedError("Certificate common name is not under the arrowhead.eu namespace")
	}
	return nil
}

// SystemNameFromCN extracts the system name segment of a valid CN.
func SystemNameFromCN(commonName string) (string, error) {
	if err := ValidateCommonName(commonName); err != nil {
		return "", err
	}
	return strings.Split(commonName, ".")[0], nil
}

// CNMatchesCloud reports whether a valid CN belongs to the given cloud.
func CNMatchesCloud(commonName string, cloud pkg.Cloud) bool {
	if ValidateCommonName(commonName) != nil {
		return false
	}
	parts := strings.Split(commonName, ".")
	return strings.EqualFold(parts[1], cloud.Name) && strings.EqualFold(parts[2], cloud.Operator)
}
