package question

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestMongoStore_Integration(t *testing.T) {
	uri := strings.TrimSpace(os.Getenv("CBTEXAM_TEST_MONGO_URI"))
	if os.Getenv("CBTEXAM_INTEGRATION") != "1" || uri == "" {
		t.Skip("set CBTEXAM_INTEGRATION=1 and CBTEXAM_TEST_MONGO_URI to run mongo integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	dbName := fmt.Sprintf("cbtexam_itest_%d", time.Now().UnixNano())
	database := client.Database(dbName)
	defer func() { _ = database.Drop(context.Background()) }()

	docs := []interface{}{
		Item{ID: "m1", Topic: "math", Difficulty: "easy", Stem: "1+1", Options: []string{"1", "2"}, CorrectOptionIndex: 1},
		Item{ID: "m2", Topic: "math", Difficulty: "easy", Stem: "2+2", Options: []string{"4", "5"}, CorrectOptionIndex: 0},
		bson.M{"_id": "m3", "topic": "math", "difficulty": "easy", "stem": "retired", "options": []string{"a"}, "correct_option_index": 0, "is_active": false},
	}
	if _, err := database.Collection("questions").InsertMany(ctx, docs); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store := NewMongoStore(database)
	ids, err := store.PoolIDs(ctx, "math", "easy")
	if err != nil {
		t.Fatalf("pool ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("unexpected pool ids: %v", ids)
	}

	keys, err := NewBank(store, nil).AnswerKeys(ctx, []string{"m1", "m2", "m3"})
	if err != nil {
		t.Fatalf("answer keys: %v", err)
	}
	if keys["m1"] != 1 || keys["m2"] != 0 || len(keys) != 3 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
