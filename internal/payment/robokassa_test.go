package payment

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature_AcceptsMatchingMD5(t *testing.T) {
	outSum, invId, shpUserId, password2 := "499.00", "1001", "42", "secret2"
	payload := fmt.Sprintf("%s:%s:%s:Shp_user_id=%s", outSum, invId, password2, shpUserId)
	sum := md5.Sum([]byte(payload))
	sig := strings.ToUpper(hex.EncodeToString(sum[:]))

	assert.True(t, VerifySignature(outSum, invId, shpUserId, password2, sig))
	assert.True(t, VerifySignature(outSum, invId, shpUserId, password2, strings.ToLower(sig)), "case-insensitive per §6")
}

func TestVerifySignature_RejectsTamperedAmount(t *testing.T) {
	outSum, invId, shpUserId, password2 := "499.00", "1001", "42", "secret2"
	payload := fmt.Sprintf("%s:%s:%s:Shp_user_id=%s", outSum, invId, password2, shpUserId)
	sum := md5.Sum([]byte(payload))
	sig := strings.ToUpper(hex.EncodeToString(sum[:]))

	assert.False(t, VerifySignature("1.00", invId, shpUserId, password2, sig))
}

func TestDecodeShpUserId_PlainIdIsSubscription(t *testing.T) {
	userId, botId, isTokens, err := decodeShpUserId("555")
	require.NoError(t, err)
	assert.Equal(t, int64(555), userId)
	assert.Empty(t, botId)
	assert.False(t, isTokens)
}

func TestDecodeShpUserId_TokensSuffixTargetsBot(t *testing.T) {
	userId, botId, isTokens, err := decodeShpUserId("555_tokens_bot-abc")
	require.NoError(t, err)
	assert.Equal(t, int64(555), userId)
	assert.Equal(t, "bot-abc", botId)
	assert.True(t, isTokens)
}

func TestDecodeShpUserId_RejectsGarbage(t *testing.T) {
	_, _, _, err := decodeShpUserId("not-a-number")
	require.Error(t, err)
}

func TestAmountToCents_RoundsHalfUp(t *testing.T) {
	cents, err := amountToCents("199.995")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), cents)
}

func TestAmountToCents_RejectsNonNumeric(t *testing.T) {
	_, err := amountToCents("free")
	require.Error(t, err)
}

func TestBuildPaymentURL_SignatureVerifiesAgainstPassword1Scheme(t *testing.T) {
	cfg := RobokassaConfig{MerchantLogin: "shop1", Password1: "secret1", Password2: "secret2"}
	link := BuildPaymentURL(cfg, "499.00", 1001, "42")

	expectedPayload := fmt.Sprintf("%s:%s:%d:%s", cfg.MerchantLogin, "499.00", 1001, cfg.Password1)
	sum := md5.Sum([]byte(expectedPayload))
	expectedSig := strings.ToUpper(hex.EncodeToString(sum[:]))

	assert.Contains(t, link, "SignatureValue="+expectedSig)
	assert.Contains(t, link, "MerchantLogin=shop1")
	assert.Contains(t, link, "auth.robokassa.ru")
}

func TestBuildPaymentURL_IncludesIsTestFlagWhenConfigured(t *testing.T) {
	cfg := RobokassaConfig{MerchantLogin: "shop1", Password1: "secret1", IsTest: true}
	link := BuildPaymentURL(cfg, "1.00", 2, "1")
	assert.Contains(t, link, "IsTest=1")
}
