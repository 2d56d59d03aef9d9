package gatekeeper

import (
	"context"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/relay"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/sirupsen/logrus"
)

// Database is the slice of storage the gatekeeper needs: who the
// neighbors are and which relays reach them.
type Database interface {
	ListNeighborClouds() ([]pkg.Cloud, error)
	GetCloudByIdentity(operator, name string) (*pkg.Cloud, error)
	GetRelaysForCloud(cloudID int64, kind pkg.RelayType) ([]pkg.Relay, error)
	ListRelays() ([]pkg.Relay, error)
}

// RelayManager is the messaging surface the gatekeeper drives.
type RelayManager interface {
	Request(ctx context.Context, relay pkg.Relay, topic string, message *relay.Message) (*relay.Message, error)
	Publish(relay pkg.Relay, topic string, message *relay.Message) error
	Serve(ctx context.Context, r pkg.Relay, topic string, handler func(*relay.Message)) error
}

// ServiceDirectory answers local discovery questions for inbound polls.
type ServiceDirectory interface {
	Query(ctx context.Context, query *pkg.ServiceQuery) ([]pkg.ServiceInstance, error)
}

// AuthorizationGate filters candidates against inter-cloud rules.
type AuthorizationGate interface {
	AuthorizeInterCloud(ctx context.Context, cloud pkg.Cloud, system pkg.System, serviceDefinition string, candidates []pkg.ServiceInstance) ([]pkg.ServiceInstance, map[string]map[string]string, error)
}

// Engine runs local orchestration on behalf of a remote requester.
type Engine interface {
	OrchestrateExternal(ctx context.Context, request *pkg.OrchestrationRequest) (*pkg.OrchestrationResponse, error)
}

// Gatekeeper negotiates with neighbor clouds over relays: it asks them
// whether they can serve a consumer (GSD) and requests concrete
// providers from the chosen one (ICN). It also answers the same two
// questions when it is the one being asked.
type Gatekeeper struct {
	ownCloud         pkg.Cloud
	db               Database
	relays           RelayManager
	directory        ServiceDirectory
	authz            AuthorizationGate
	engine           Engine
	gsdTimeout       time.Duration
	icnTimeout       time.Duration
	gatewayEnabled   bool
	gatewayMandatory bool
	logger           *logrus.Logger
}

func New(ownCloud pkg.Cloud, db Database, relays RelayManager, directory ServiceDirectory,
	authz AuthorizationGate, engine Engine, gsdTimeout, icnTimeout time.Duration,
	gatewayEnabled, gatewayMandatory bool, logger *logrus.Logger) *Gatekeeper {
	return &Gatekeeper{
		ownCloud:         ownCloud,
		db:               db,
		relays:           relays,
		directory:        directory,
		authz:            authz,
		engine:           engine,
		gsdTimeout:       gsdTimeout,
		icnTimeout:       icnTimeout,
		gatewayEnabled:   gatewayEnabled,
		gatewayMandatory: gatewayMandatory,
		logger:           logger,
	}
}

// Listen subscribes this cloud's gatekeeper topic on every relay that
// carries gatekeeper traffic and dispatches inbound requests.
func (gk *Gatekeeper) Listen(ctx context.Context) error {
	allRelays, err := gk.db.ListRelays()
	if err != nil {
		return pkg.DatabaseError(err)
	}

	topic := relay.GatekeeperTopic(gk.ownCloud)
	listening := 0
	for _, r := range allRelays {
		if !r.Type.Supports(pkg.RelayGatekeeper) {
			continue
		}
		if err := gk.relays.Serve(ctx, r, topic, func(msg *relay.Message) {
			gk.dispatch(ctx, msg)
		}); err != nil {
			gk.logger.WithError(err).WithFields(logrus.Fields{
				"relay": r.Address,
				"port":  r.Port,
			}).Error("Failed to listen on gatekeeper relay")
			continue
		}
		listening++
	}

	gk.logger.WithFields(logrus.Fields{
		"topic":  topic,
		"relays": listening,
	}).Info("Gatekeeper listening")
	return nil
}

func (gk *Gatekeeper) dispatch(ctx context.Context, msg *relay.Message) {
	logger := gk.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"kind":       msg.Kind,
		"sender":     msg.SenderCloud.Key(),
	})

	switch msg.Kind {
	case relay.KindGSDPoll:
		gk.handlePollMessage(ctx, msg, logger)
	case relay.KindICNProposal:
		gk.handleProposalMessage(ctx, msg, logger)
	default:
		logger.Debug("Ignoring gatekeeper message of unrelated kind")
	}
}

func (gk *Gatekeeper) handlePollMessage(ctx context.Context, msg *relay.Message, logger *logrus.Entry) {
	var poll pkg.GSDPoll
	if err := msg.Decode(&poll); err != nil {
		logger.WithError(err).Error("Malformed GSD poll")
		return
	}

	answer, err := gk.HandleGSDPoll(ctx, &poll)
	if err != nil {
		logger.WithError(err).Error("GSD poll handling failed")
		return
	}
	if answer == nil {
		// Nothing to offer; neighbors treat silence as a non-answer.
		logger.Debug("Declining GSD poll")
		return
	}

	gk.reply(msg, relay.KindGSDAnswer, answer, logger)
}

func (gk *Gatekeeper) handleProposalMessage(ctx context.Context, msg *relay.Message, logger *logrus.Entry) {
	var proposal pkg.ICNProposal
	if err := msg.Decode(&proposal); err != nil {
		logger.WithError(err).Error("Malformed ICN proposal")
		return
	}

	result, err := gk.HandleICN(ctx, &proposal)
	if err != nil {
		logger.WithError(err).Error("ICN handling failed")
		result = &pkg.ICNResult{Response: []pkg.OrchestrationResult{}}
	}

	gk.reply(msg, relay.KindICNResult, result, logger)
}

// reply publishes a correlated answer back over the sender's
// gatekeeper relays.
func (gk *Gatekeeper) reply(request *relay.Message, kind relay.MessageKind, payload interface{}, logger *logrus.Entry) {
	envelope, err := relay.NewReply(request, kind, gk.ownCloud, payload)
	if err != nil {
		logger.WithError(err).Error("Failed to build gatekeeper reply")
		return
	}

	relays, err := gk.relaysFor(request.SenderCloud)
	if err != nil || len(relays) == 0 {
		logger.Error("No relay found to answer sender cloud")
		return
	}

	topic := relay.GatekeeperTopic(request.SenderCloud)
	for _, r := range relays {
		if err := gk.relays.Publish(r, topic, envelope); err != nil {
			logger.WithError(err).WithField("relay", r.Address).Warn("Failed to publish gatekeeper reply")
			continue
		}
		return
	}
	logger.Error("All relays failed for gatekeeper reply")
}

// relaysFor resolves the gatekeeper relays of a cloud we know about.
func (gk *Gatekeeper) relaysFor(cloud pkg.Cloud) ([]pkg.Relay, error) {
	known, err := gk.db.GetCloudByIdentity(cloud.Operator, cloud.Name)
	if err != nil {
		return nil, err
	}
	if known == nil {
		return nil, pkg.NotFoundError("Unknown neighbor cloud")
	}
	return gk.db.GetRelaysForCloud(known.ID, pkg.RelayGatekeeper)
}
