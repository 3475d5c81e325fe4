package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_AllLoadCleanly(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: sc.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			// Whatever a scenario rejects, the stored histories stay consistent
			for _, kind := range []rate.Kind{cost.Kind, commission.Kind} {
				keys, err := s.store.Subjects(context.Background(), kind)
				require.NoError(t, err)
				for _, key := range keys {
					recs, err := s.store.Load(context.Background(), key)
					require.NoError(t, err)
					assert.Empty(t, rate.CheckInvariants(recs), key.String())
				}
			}
		})
	}
}

func TestScenario_CostSupersede(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "cost-supersede"}).Code)

	recs, err := s.store.Load(context.Background(), cost.Key("burger"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.NotNil(t, recs[0].ValidUntil)
	assert.True(t, recs[0].ValidUntil.Equal(rate.Day(2024, 3, 1)))
}

func TestScenario_BackfillOverlapReportsRejection(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "backfill-overlap"})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Report ImportReportDTO `json:"report"`
	}](t, rec)
	assert.Len(t, body.Report.Applied, 2)
	require.Len(t, body.Report.Failed, 1)
	assert.Equal(t, 2, body.Report.Failed[0].Row)
	assert.Equal(t, http.StatusConflict, body.Report.Failed[0].Status)
}

func TestScenario_LoadReplacesPreviousData(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "restaurant-menu"}).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "cost-supersede"}).Code)

	keys, err := s.store.Subjects(context.Background(), commission.Kind)
	require.NoError(t, err)
	assert.Empty(t, keys)

	rec := s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "cost-supersede", decode[ScenarioDTO](t, rec).ID)
}

func TestScenario_UnknownAndReset(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "margin-gaps"}).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/reset", nil).Code)

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", string(trimNewline(rec.Body.Bytes())))

	rec = s.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	return b
}
