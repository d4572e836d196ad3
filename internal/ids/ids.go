package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"github.com/google/uuid"
)

// New — сортируемый по времени идентификатор (UUIDv7).
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 падает только при отказе crypto/rand
		return uuid.NewString()
	}
	return id.String()
}

// Opaque — случайная строка base64url из n байт (токены, nonce, device_code).
func Opaque(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("ids: crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// алфавит без гласных и похожих символов: коды не складываются в слова и не путаются при вводе
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// UserCode — короткий код вида XXXX-XXXX для ввода человеком.
func UserCode() string {
	code, err := userCode(rand.Reader)
	if err != nil {
		panic("ids: crypto/rand failed: " + err.Error())
	}
	return code
}

// userCode отбрасывает байты от 240: 240 кратно длине алфавита, остаток по модулю равномерен.
func userCode(r io.Reader) (string, error) {
	const limit = 256 - 256%len(userCodeAlphabet)
	var sb strings.Builder
	buf := make([]byte, 16)
	n := 0
	for n < 8 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if int(c) >= limit || n == 8 {
				continue
			}
			if n == 4 {
				sb.WriteByte('-')
			}
			sb.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
			n++
		}
	}
	return sb.String(), nil
}

// NormalizeUserCode приводит ввод пользователя к каноническому виду.
func NormalizeUserCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	if len(s) == 8 && !strings.Contains(s, "-") {
		s = s[:4] + "-" + s[4:]
	}
	return s
}

// Hash — hex(sha256) строки; используется для anti-relay хэшей origin/ip/ua.
func Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
