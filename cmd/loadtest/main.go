package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status    int
	ErrorKind string
	Err       error
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type auctionView struct {
	ID              uint            `json:"id"`
	Status          string          `json:"status"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	BidIncrement    decimal.Decimal `json:"bid_increment"`
	HighestBidderID string          `json:"highest_bidder_id"`
	TotalBids       int64           `json:"total_bids"`
}

type bidView struct {
	Sequence int64           `json:"sequence"`
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	auctionID := flag.Uint("auction", 0, "auction id; 0 creates a new one")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for create endpoint")
	duration := flag.Duration("duration", 2*time.Minute, "auction length when creating one")

	// 竞价测试参数：200 个出价者并发争抢同一个价位
	nBidders := flag.Int("bidders", 200, "distinct bidders")
	rounds := flag.Int("rounds", 5, "bidding rounds")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	id := *auctionID
	if id == 0 {
		created, err := createAuction(client, *baseURL, *adminToken, *duration)
		if err != nil {
			panic(fmt.Sprintf("create auction failed: %v", err))
		}
		id = created
		fmt.Println("created auction", id, "- waiting for activation")
		if err := waitActive(client, *baseURL, id, 10*time.Second); err != nil {
			panic(err)
		}
	}

	// 1) 同价竞争：每轮所有人都出当前最低价，每轮只能有一人成功
	fmt.Printf("start race test: auction=%d bidders=%d rounds=%d concurrency=%d\n", id, *nBidders, *rounds, *concurrency)
	for round := 1; round <= *rounds; round++ {
		a, err := getAuction(client, *baseURL, id)
		if err != nil {
			panic(err)
		}
		amount := a.CurrentPrice.Add(a.BidIncrement)
		results := runBids(client, *baseURL, id, *nBidders, *concurrency, func(int) decimal.Decimal { return amount })
		printSummary(fmt.Sprintf("round %d @ %s", round, amount), results)
	}

	// 2) 递增出价：金额各不相同，检查最终价格与历史一致
	fmt.Println("\nstart ladder test: distinct amounts")
	a, err := getAuction(client, *baseURL, id)
	if err != nil {
		panic(err)
	}
	base := a.CurrentPrice
	step := a.BidIncrement
	results := runBids(client, *baseURL, id, *nBidders, *concurrency, func(idx int) decimal.Decimal {
		return base.Add(step.Mul(decimal.NewFromInt(int64(idx + 1))))
	})
	printSummary("ladder", results)

	if err := checkLedger(client, *baseURL, id); err != nil {
		fmt.Println("ledger check FAILED:", err)
		return
	}
	fmt.Println("ledger check ok")
}

func runBids(client *http.Client, baseURL string, auctionID uint, nBidders, concurrency int, amountOf func(idx int) decimal.Decimal) []Result {
	type Req struct {
		BidderID string          `json:"bidder_id"`
		Amount   decimal.Decimal `json:"amount"`
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, nBidders)

	for i := 0; i < nBidders; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := Req{BidderID: fmt.Sprintf("bidder-%d", idx+1), Amount: amountOf(idx)}
			results[idx] = bidOnce(client, baseURL, auctionID, req)
		}(i)
	}

	wg.Wait()
	return results
}

func bidOnce(client *http.Client, baseURL string, auctionID uint, req any) Result {
	b, _ := json.Marshal(req)
	url := fmt.Sprintf("%s/api/auctions/%d/bids", baseURL, auctionID)
	httpReq, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")
	// 每个请求独立的幂等键，客户端超时重试时服务端会回放同一结果
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	res := Result{Status: resp.StatusCode}
	var env envelope
	if json.Unmarshal(body, &env) == nil && len(env.Data) > 0 {
		var d struct {
			ErrorKind string `json:"error_kind"`
		}
		if json.Unmarshal(env.Data, &d) == nil {
			res.ErrorKind = d.ErrorKind
		}
	}
	return res
}

// printSummary 聚合输出状态码与拒绝原因分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	kinds := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
		if r.ErrorKind != "" {
			kinds[r.ErrorKind]++
		}
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 429, 503, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("  %s -> %d\n", k, kinds[k])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// checkLedger 校验最终快照与出价历史一致：序号连续、金额严格递增、无人自我加价。
func checkLedger(client *http.Client, baseURL string, auctionID uint) error {
	a, err := getAuction(client, baseURL, auctionID)
	if err != nil {
		return err
	}
	var bids []bidView
	if err := getJSON(client, fmt.Sprintf("%s/api/auctions/%d/bids", baseURL, auctionID), &bids); err != nil {
		return err
	}
	if int64(len(bids)) != a.TotalBids {
		return fmt.Errorf("total_bids=%d but history has %d", a.TotalBids, len(bids))
	}
	for i, b := range bids {
		if b.Sequence != int64(i+1) {
			return fmt.Errorf("sequence gap at %d: got %d", i+1, b.Sequence)
		}
		if i == 0 {
			continue
		}
		prev := bids[i-1]
		if b.Amount.LessThan(prev.Amount.Add(a.BidIncrement)) {
			return fmt.Errorf("bid %d amount %s below %s + increment", b.Sequence, b.Amount, prev.Amount)
		}
		if b.BidderID == prev.BidderID {
			return fmt.Errorf("bid %d: %s outbid themselves", b.Sequence, b.BidderID)
		}
	}
	if len(bids) > 0 {
		last := bids[len(bids)-1]
		if !last.Amount.Equal(a.CurrentPrice) || last.BidderID != a.HighestBidderID {
			return fmt.Errorf("snapshot %s/%s does not match last bid %s/%s",
				a.CurrentPrice, a.HighestBidderID, last.Amount, last.BidderID)
		}
	}
	fmt.Printf("final price %s, leader %s, %d bids\n", a.CurrentPrice, a.HighestBidderID, a.TotalBids)
	return nil
}

func createAuction(client *http.Client, baseURL, adminToken string, d time.Duration) (uint, error) {
	now := time.Now().UTC()
	body := map[string]any{
		"title":         "loadtest " + now.Format(time.RFC3339),
		"category":      "loadtest",
		"start_price":   "100",
		"bid_increment": "1",
		"start_time":    now.Format(time.RFC3339),
		"end_time":      now.Add(d).Format(time.RFC3339),
	}
	var a auctionView
	if err := doPOST(client, baseURL+"/api/auctions", body, map[string]string{"X-Admin-Token": adminToken}, &a); err != nil {
		return 0, err
	}
	return a.ID, nil
}

// waitActive 等待巡检把拍卖切到 active。
func waitActive(client *http.Client, baseURL string, auctionID uint, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		a, err := getAuction(client, baseURL, auctionID)
		if err == nil && a.Status == "active" {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("auction %d not active after %s", auctionID, timeout)
}

func getAuction(client *http.Client, baseURL string, auctionID uint) (auctionView, error) {
	var a auctionView
	err := getJSON(client, fmt.Sprintf("%s/api/auctions/%d", baseURL, auctionID), &a)
	return a, err
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

// doPOST 发送 POST 请求（支持附加请求头）。
func doPOST(client *http.Client, url string, body any, headers map[string]string, out any) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

func decodeEnvelope(resp *http.Response, out any) error {
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
