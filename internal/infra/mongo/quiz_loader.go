package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/kauschie/knewit/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "quizzes"

// QuizLoader reads quiz documents from a MongoDB collection.
type QuizLoader struct {
	collection *mongo.Collection
}

type quizDocument struct {
	ID               string             `bson:"_id"`
	Title            string             `bson:"title"`
	Questions        []questionDocument `bson:"questions"`
	TimeLimitSeconds int                `bson:"timeLimitSeconds,omitempty"`
	MaxPoints        int                `bson:"maxPoints,omitempty"`
}

type questionDocument struct {
	ID           string   `bson:"id,omitempty"`
	Prompt       string   `bson:"prompt"`
	Options      []string `bson:"options"`
	CorrectIndex int      `bson:"correctIndex"`
}

func NewQuizLoader(client *mongo.Client, database string) *QuizLoader {
	return &QuizLoader{collection: client.Database(database).Collection(collectionName)}
}

func (l *QuizLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var doc quizDocument
	err := l.collection.FindOne(ctx, bson.M{"_id": quizID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("load quiz: %w", err)
	}
	return doc.toDomain(), nil
}

func (l *QuizLoader) ListQuizzes(ctx context.Context) ([]domain.QuizSummary, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"title": 1, "questions.prompt": 1})
	cursor, err := l.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []quizDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode quizzes: %w", err)
	}
	out := make([]domain.QuizSummary, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.QuizSummary{ID: doc.ID, Title: doc.Title, NumQuestions: len(doc.Questions)})
	}
	return out, nil
}

// SaveQuiz validates and upserts a quiz document.
func (l *QuizLoader) SaveQuiz(ctx context.Context, quiz domain.Quiz) error {
	if quiz.ID == "" {
		return fmt.Errorf("%w: missing id", domain.ErrInvalidQuiz)
	}
	if err := quiz.Validate(); err != nil {
		return err
	}
	doc := fromDomain(quiz)
	_, err := l.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save quiz: %w", err)
	}
	return nil
}

func (d quizDocument) toDomain() domain.Quiz {
	quiz := domain.Quiz{
		ID:               d.ID,
		Title:            d.Title,
		TimeLimitSeconds: d.TimeLimitSeconds,
		MaxPoints:        d.MaxPoints,
		Questions:        make([]domain.Question, len(d.Questions)),
	}
	for i, q := range d.Questions {
		quiz.Questions[i] = domain.Question{
			ID:           q.ID,
			Prompt:       q.Prompt,
			Options:      q.Options,
			CorrectIndex: q.CorrectIndex,
		}
	}
	return quiz
}

func fromDomain(q domain.Quiz) quizDocument {
	doc := quizDocument{
		ID:               q.ID,
		Title:            q.Title,
		TimeLimitSeconds: q.TimeLimitSeconds,
		MaxPoints:        q.MaxPoints,
		Questions:        make([]questionDocument, len(q.Questions)),
	}
	for i, question := range q.Questions {
		doc.Questions[i] = questionDocument{
			ID:           question.ID,
			Prompt:       question.Prompt,
			Options:      question.Options,
			CorrectIndex: question.CorrectIndex,
		}
	}
	return doc
}
