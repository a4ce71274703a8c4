package intent

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"hypernode-facilitator/internal/models"
)

// Property: SigningMessage(i) == SigningMessage(i) and Hash(i) == Hash(copy(i)).
func TestSigningMessageDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("signing message is byte-identical on repeat", prop.ForAll(
		func(id, job, nonce string, amount uint64, created int64, ttl int64) bool {
			pi := models.PaymentIntent{
				IntentID:  id,
				Client:    "client",
				Amount:    amount,
				JobID:     job,
				CreatedAt: created,
				ExpiresAt: created + ttl,
				Nonce:     nonce,
			}
			return SigningMessage(pi) == SigningMessage(pi)
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.RegexMatch(`[0-9a-f]{32}`),
		gen.UInt64Range(1, 1<<53),
		gen.Int64Range(0, 4102444800000),
		gen.Int64Range(1, 86400000),
	))

	properties.Property("hash ignores metadata insertion order", prop.ForAll(
		func(keys []string, values []string) bool {
			a := map[string]string{}
			for i := 0; i < len(keys) && i < len(values); i++ {
				a[keys[i]] = values[i]
			}
			b := map[string]string{}
			for k, v := range a {
				b[k] = v
			}
			pa := models.PaymentIntent{IntentID: "x", Client: "c", Amount: 1, CreatedAt: 1, ExpiresAt: 2, Nonce: "n", Metadata: a}
			pb := pa
			pb.Metadata = b
			ha, err1 := Hash(pa)
			hb, err2 := Hash(pb)
			return err1 == nil && err2 == nil && ha == hb
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
