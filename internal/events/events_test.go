package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentline/internal/consent/models"
)

func TestDecode(t *testing.T) {
	t.Run("flat body is its own payload", func(t *testing.T) {
		ev, env, err := Decode([]byte(`{"event_type":"consent_expiry","consent_artifact_id":"a-1","data_element_id":"email","purpose_id":"marketing"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeConsentExpiry, env.EventType)
		assert.Equal(t, ConsentExpiry{ArtifactID: "a-1", DataElementID: "email", PurposeID: "marketing"}, ev)
	})

	t.Run("enveloped payload", func(t *testing.T) {
		emitted := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		body, err := Encode(OTPVerification{ArtifactID: "a-9"}, "corr-1", emitted)
		require.NoError(t, err)

		ev, env, err := Decode(body)
		require.NoError(t, err)
		assert.Equal(t, OTPVerification{ArtifactID: "a-9"}, ev)
		assert.Equal(t, "corr-1", env.CorrelationID)
		assert.True(t, emitted.Equal(env.EmittedAt))
	})

	t.Run("submission carries the artifact", func(t *testing.T) {
		a := &models.ConsentArtifact{DFID: "df-1", DataPrincipal: models.DataPrincipal{PrincipalRef: "dp-1"}}
		payload, err := json.Marshal(map[string]any{"event_type": TypeConsentSubmission, "consent_artifact": a})
		require.NoError(t, err)

		ev, _, err := Decode(payload)
		require.NoError(t, err)
		sub, ok := ev.(ConsentSubmission)
		require.True(t, ok)
		assert.Equal(t, "df-1", sub.Artifact.DFID)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, _, err := Decode([]byte(`{"event_type":"consent_teleport"}`))
		var unknown *UnknownEventError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, Type("consent_teleport"), unknown.Type)
	})

	t.Run("missing type", func(t *testing.T) {
		_, _, err := Decode([]byte(`{"consent_artifact_id":"a-1"}`))
		var unknown *UnknownEventError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, "event has no event_type", err.Error())
	})

	t.Run("malformed json", func(t *testing.T) {
		_, _, err := Decode([]byte(`{"event_type":`))
		assert.Error(t, err)
	})

	t.Run("required fields", func(t *testing.T) {
		for _, body := range []string{
			`{"event_type":"consent_submission"}`,
			`{"event_type":"consent_expiry","consent_artifact_id":"a-1","data_element_id":"email"}`,
			`{"event_type":"data_retention_expiry","consent_artifact_id":"a-1"}`,
			`{"event_type":"data_retention_expiry_manual","data_element_id":"email"}`,
			`{"event_type":"otp_verification"}`,
		} {
			_, _, err := Decode([]byte(body))
			assert.Error(t, err, body)
		}
	})
}

func fanoutArtifact(now time.Time) *models.ConsentArtifact {
	return &models.ConsentArtifact{
		ID:            "a-2",
		AgreementID:   "agr-1",
		Version:       2,
		DataPrincipal: models.DataPrincipal{PrincipalRef: "dp-1"},
		DFID:          "df-1",
		CPName:        "signup",
		ConsentScope: models.ConsentScope{DataElements: []models.DataElement{{
			DEID:     "email",
			DEStatus: models.ElementActive,
			Consents: []models.Consent{
				{PurposeID: "marketing", ConsentStatus: models.StatusApproved, ConsentTimestamp: now, DataProcessors: []string{"dpr-1", "dpr-2"}},
				{PurposeID: "analytics", ConsentStatus: models.StatusDenied, ConsentTimestamp: now},
				{PurposeID: "support", ConsentStatus: models.StatusPending, ConsentTimestamp: now},
			},
		}}},
		CreatedAt: now,
	}
}

func TestSubmissionFanout(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	current := fanoutArtifact(now)

	t.Run("first version announces every decided pair", func(t *testing.T) {
		out := submissionFanout(nil, current)
		require.Len(t, out, 2)
		assert.Equal(t, FanoutConsentGranted, out[0].EventType)
		require.Len(t, out[0].Purposes, 1)
		assert.Equal(t, "marketing", out[0].Purposes[0].PurposeID)
		assert.Equal(t, []ProcessorRef{{DataProcessorID: "dpr-1"}, {DataProcessorID: "dpr-2"}}, out[0].Purposes[0].DataProcessors)
		assert.Equal(t, FanoutConsentWithdrawn, out[1].EventType)
		assert.Equal(t, "analytics", out[1].Purposes[0].PurposeID)
		assert.Equal(t, "dp-1", out[0].DPID)
		assert.Equal(t, "a-2", out[0].ArtifactID)
		assert.Equal(t, now, out[0].Timestamp)
	})

	t.Run("unchanged pairs are quiet", func(t *testing.T) {
		prior := current.Clone()
		prior.ConsentScope.DataElements[0].Consents[0].ConsentStatus = models.StatusDenied
		out := submissionFanout(prior, current)
		require.Len(t, out, 1)
		assert.Equal(t, FanoutConsentGranted, out[0].EventType)
	})

	t.Run("no changes", func(t *testing.T) {
		assert.Empty(t, submissionFanout(current.Clone(), current))
	})
}

func TestFanoutMessage(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	out := erasureFanout(FanoutManualErasure, fanoutArtifact(now), "email")
	require.Len(t, out, 1)

	msg, err := out[0].message("evt-7")
	require.NoError(t, err)
	assert.Equal(t, "evt-7:"+FanoutManualErasure, msg.CorrelationID)
	assert.Equal(t, FanoutManualErasure, msg.Header("event_type"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, FanoutManualErasure, decoded["event_type"])
	assert.Len(t, decoded["data_elements"], 1)
	assert.NotContains(t, decoded, "purposes")

	assert.Nil(t, erasureFanout(FanoutManualErasure, fanoutArtifact(now), "phone"))
	assert.Nil(t, expiryFanout(fanoutArtifact(now), "email", "unknown"))
}
