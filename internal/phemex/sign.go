package phemex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
)

// 签名请求头。
const (
	headerAccessToken = "x-phemex-access-token"
	headerExpiry      = "x-phemex-request-expiry"
	headerSignature   = "x-phemex-request-signature"
)

// signWindowSeconds 为签名有效窗口。
const signWindowSeconds = 60

// Sign 计算请求签名：HMAC-SHA256(secret, apiKey ∥ expiry ∥ queryStringSorted ∥ body)，
// 十六进制小写输出。query 必须已按键名字典序排列。
func Sign(apiKey, secret string, expiry int64, sortedQuery, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(apiKey))
	mac.Write([]byte(strconv.FormatInt(expiry, 10)))
	mac.Write([]byte(sortedQuery))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery 将查询参数编码为按键名字典序排列的字符串。
// url.Values.Encode 本身保证按键排序。
func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	return values.Encode()
}
