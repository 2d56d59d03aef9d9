package ranking

import (
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
)

// CloudMatchmaker selects the target cloud among collected GSD answers.
type CloudMatchmaker interface {
	Select(answers []pkg.GSDAnswer, preferred []pkg.Cloud) *pkg.GSDAnswer
}

// GatewayCapability answers whether a cloud can be reached through a
// gateway-capable relay.
type GatewayCapability func(cloud pkg.Cloud) bool

// FirstResponderMatchmaker picks the first collected answer, preferring
// clouds from the preferred list when any of them answered. When a
// gateway is mandatory, clouds without a gateway-capable relay are
// excluded regardless of rank.
type FirstResponderMatchmaker struct {
	GatewayMandatory bool
	GatewayCapable   GatewayCapability
}

func (m FirstResponderMatchmaker) Select(answers []pkg.GSDAnswer, preferred []pkg.Cloud) *pkg.GSDAnswer {
	eligible := make([]pkg.GSDAnswer, 0, len(answers))
	for _, answer := range answers {
		if m.GatewayMandatory && m.GatewayCapable != nil && !m.GatewayCapable(answer.ProviderCloud) {
			continue
		}
		eligible = append(eligible, answer)
	}

	if len(eligible) == 0 {
		return nil
	}

	for _, answer := range eligible {
		for _, want := range preferred {
			if answer.ProviderCloud.Equals(want) {
				a := answer
				return &a
			}
		}
	}

	a := eligible[0]
	return &a
}
