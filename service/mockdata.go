package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"PrismVideo-server/models"
)

const mockResolution = "1280x720"

var mockShots = []struct {
	visual, narration, title string
}{
	{"清晨阳光洒在餐桌上，一份健康的早餐。全麦面包和牛奶。", "美好的一天，从一份健康的早餐开始。", "清晨的开始"},
	{"特写展示全麦面包和牛奶。光线柔和，色调温暖。", "全麦面包提供持久能量，牛奶补充优质蛋白。", "营养搭配"},
	{"切开一个牛油果，展示翠绿的果肉。水滴特写。", "搭配富含健康油脂的牛油果，口感更丰富。", "健康油脂"},
	{"一家人围坐在餐桌旁欢笑。温馨的氛围。", "健康饮食，守护全家人的幸福时光。", "家庭时光"},
}

// MockShotPlan is the fixed four shot healthy-breakfast plan used in mock mode.
func MockShotPlan() models.ShotPlan {
	plan := make(models.ShotPlan, len(mockShots))
	for i, s := range mockShots {
		plan[i] = models.PlannedShot{
			ShotID:       models.ShotID(fmt.Sprint(i + 1)),
			VisualPrompt: s.visual,
			Narration:    s.narration,
			DurationS:    10,
			Resolution:   mockResolution,
		}
	}
	return plan
}

// MockShotAssets points at the bundled sample clips under baseURL.
func MockShotAssets(baseURL string) models.ShotAssets {
	baseURL = strings.TrimRight(baseURL, "/")
	assets := make(models.ShotAssets, len(mockShots))
	for i := range mockShots {
		assets[i] = models.ShotAsset{
			ShotID:     models.ShotID(fmt.Sprint(i + 1)),
			Seed:       12345 + i,
			VideoURL:   fmt.Sprintf("%s/mock_video_%d.mp4", baseURL, i+1),
			DurationS:  10,
			Resolution: mockResolution,
			Status:     models.ShotStatusCompleted,
		}
	}
	return assets
}

// MockIR returns the intermediate representation matching MockShotPlan.
func MockIR() []byte {
	var script strings.Builder
	for i, s := range mockShots {
		if i > 0 {
			script.WriteString("\n\n")
		}
		fmt.Fprintf(&script, "[Scene %d] %s\n画面: %s\n旁白: %s", i+1, s.title, s.visual, s.narration)
	}
	ir := map[string]interface{}{
		"title":  "健康早餐",
		"topic":  "健康饮食",
		"style":  "warm",
		"shots":  MockShotPlan(),
		"script": script.String(),
	}
	raw, _ := json.Marshal(ir)
	return raw
}
