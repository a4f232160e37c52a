// refund-sim signs a token for a test user and calls the cancel endpoint,
// printing the service's answer. Pair it with the local refund gateway
// (no STRIPE_SECRET_KEY) and a "fail_" transaction reference to exercise the
// failed-refund path.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/carelink-health/carelink/libs/auth"
	"github.com/carelink-health/carelink/libs/config"
)

func main() {
	_ = config.LoadDotenv()
	var (
		baseURL = flag.String("base-url", config.String("BASE_URL", "http://localhost:8080"), "appointment service base url")
		apptID  = flag.Int64("appointment-id", int64(config.Int("APPOINTMENT_ID", 0)), "appointment to cancel")
		userID  = flag.String("user-id", config.String("USER_ID", ""), "caller user id (token sub)")
		role    = flag.String("role", config.String("USER_ROLE", auth.RoleFamily), "caller role")
		reason  = flag.String("reason", config.String("REASON", ""), "cancellation reason")
		secret  = flag.String("secret", config.String("JWT_SECRET", ""), "HS256 signing secret")
		timeout = flag.Duration("timeout", 30*time.Second, "request timeout")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("JWT_SECRET is required")
	}
	if *apptID <= 0 {
		fatal("APPOINTMENT_ID is required")
	}
	if strings.TrimSpace(*userID) == "" {
		fatal("USER_ID is required")
	}

	now := time.Now().UTC()
	token, err := auth.SignHS256(auth.Claims{
		Sub:  *userID,
		Role: *role,
		Iat:  now.Unix(),
		Exp:  now.Add(5 * time.Minute).Unix(),
	}, *secret)
	if err != nil {
		fatal(err.Error())
	}

	body, err := json.Marshal(map[string]string{"reason": *reason})
	if err != nil {
		fatal(err.Error())
	}
	url := fmt.Sprintf("%s/api/v1/appointments/%d/cancel", strings.TrimRight(*baseURL, "/"), *apptID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("status=%d\n", resp.StatusCode)
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
		return
	}
	fmt.Println(string(raw))
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
