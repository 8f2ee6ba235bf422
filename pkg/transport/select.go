package transport

import (
	bayeuxerrors "github.com/ajitpratap0/bayeux-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
)

// Select probes candidates in order and hands the first usable transport
// to done. Kinds that are disabled or missing from catalog are skipped.
// Probes run one at a time; a kind is only probed once the previous one
// has reported unusable. Must be called on the host's loop, and done runs
// there too.
func Select(host Host, catalog Catalog, candidates []Kind, disabled []Kind, done func(Transport, error)) {
	logger := host.Logger().WithFields(
		logging.String("component", "transport"),
		logging.String("operation", "select"),
	)

	skip := make(map[Kind]bool, len(disabled))
	for _, kind := range disabled {
		skip[kind] = true
	}

	var probe func(i int)
	probe = func(i int) {
		if i >= len(candidates) {
			done(nil, bayeuxerrors.NoUsableTransport(kindNames(candidates)))
			return
		}

		kind := candidates[i]
		factory, ok := catalog[kind]
		switch {
		case !ok:
			logger.WithError(bayeuxerrors.UnsupportedKind(string(kind))).Debug("Skipping unknown connection type")
			probe(i + 1)
			return
		case skip[kind]:
			logger.Debug("Skipping disabled connection type", logging.String("connection_type", string(kind)))
			probe(i + 1)
			return
		}

		endpoint := host.EndpointFor(kind)
		factory.IsUsable(host, endpoint, func(usable bool) {
			if !usable {
				logger.Debug("Connection type not usable",
					logging.String("connection_type", string(kind)),
					logging.String("endpoint", endpoint.String()))
				probe(i + 1)
				return
			}
			done(factory.Create(host, endpoint), nil)
		})
	}

	probe(0)
}
